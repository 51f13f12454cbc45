package transfer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/pkg/logging"
)

const (
	DefaultPingInterval   = 25 * time.Second
	DefaultPingTimeout    = 120 * time.Second
	DefaultMaxMessageSize = 64 * 1024 * 1024

	writeWait = 10 * time.Second
	// binaryHeaderLen is the big-endian chunk index in front of a binary
	// upload frame.
	binaryHeaderLen = 4
)

// SocketOptions tunes the websocket adapter.
type SocketOptions struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PingTimeout    time.Duration
}

// SocketServer runs the connection-based protocol over websockets. Each
// connection gets a uuid that doubles as its session id, so a connection
// has at most one transfer in flight.
type SocketServer struct {
	engine    *Engine
	monitor   *Monitor
	validator auth.Validator
	opts      SocketOptions
	upgrader  websocket.Upgrader
}

func NewSocketServer(engine *Engine, monitor *Monitor, validator auth.Validator, opts SocketOptions) *SocketServer {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	return &SocketServer{
		engine:    engine,
		monitor:   monitor,
		validator: validator,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// LAN service; pages are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (ss *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := ss.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &socketConn{
		id:        uuid.NewString(),
		ws:        ws,
		owner:     auth.OwnerFromRequest(ss.validator, r),
		server:    ss,
		snapshots: make(chan Snapshot, 1),
	}
	c.log = logging.Log.WithFields(logrus.Fields{
		"session": c.id,
		"owner":   c.owner.Name(),
		"remote":  r.RemoteAddr,
	})
	c.serve()
}

type socketConn struct {
	id      string
	ws      *websocket.Conn
	owner   auth.Owner
	server  *SocketServer
	log     *logrus.Entry
	writeMu sync.Mutex

	// snapshots hands monitor broadcasts to snapshotLoop.
	snapshots chan Snapshot
}

func (c *socketConn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	engine := c.server.engine
	opts := c.server.opts

	c.log.Info("Client connected")

	c.ws.SetReadLimit(opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(opts.PingTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PingTimeout))
	})

	var unsubscribe func()
	if c.server.monitor != nil {
		unsubscribe = c.server.monitor.Subscribe(c)
	}
	go c.pingLoop(ctx)
	go c.snapshotLoop(ctx)

	defer func() {
		cancel()
		if unsubscribe != nil {
			unsubscribe()
		}
		engine.Disconnect(c.id)
		c.ws.Close()
		c.log.Info("Client disconnected")
	}()

	c.send(EventConnected, ConnectedEvent{
		SessionID: c.id,
		Owner:     c.owner.Name(),
		ChunkSize: engine.ChunkSize(),
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("Connection closed unexpectedly")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(opts.PingTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			c.handleBinaryChunk(data)
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.sendError("malformed message")
				continue
			}
			c.dispatch(ctx, msg)
		}
	}
}

func (c *socketConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl may run concurrently with other writes.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// snapshotLoop writes queued monitor snapshots, so a peer that stops
// reading only blocks its own connection.
func (c *socketConn) snapshotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-c.snapshots:
			c.send(EventActiveTransfers, snap)
		}
	}
}

func (c *socketConn) dispatch(ctx context.Context, msg Message) {
	engine := c.server.engine

	switch msg.Event {
	case EventStartUpload:
		var req StartUploadRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("invalid start_upload payload")
			return
		}
		ready, complete, err := engine.StartUpload(c.id, req, c.owner)
		if err != nil {
			c.sendFailure(req.Filename, err)
			return
		}
		c.send(EventUploadReady, ready)
		if complete != nil {
			c.send(EventUploadComplete, complete)
		}

	case EventUploadChunk:
		var req UploadChunkRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("invalid upload_chunk payload")
			return
		}
		c.ingest(req.ChunkIndex, req.Data)

	case EventRequestDownload:
		var req DownloadRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("invalid request_download payload")
			return
		}
		ready, complete, err := engine.StartDownload(c.id, req.Filename, c.owner)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(EventDownloadReady, ready)
		if complete != nil {
			c.send(EventDownloadComplete, complete)
		}

	case EventRequestChunk:
		var req ChunkRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("invalid request_chunk payload")
			return
		}
		chunk, complete, err := engine.ReadChunk(ctx, c.id, req.ChunkIndex)
		if err != nil {
			if isSessionErr(err) {
				c.sendError("Invalid session")
			} else {
				c.send(EventChunkError, ChunkError{ChunkIndex: req.ChunkIndex, Message: err.Error()})
			}
			return
		}
		c.send(EventDownloadChunk, chunk)
		if complete != nil {
			c.send(EventDownloadComplete, complete)
		}

	case EventCancelTransfer:
		if engine.Cancel(c.id) {
			c.log.Info("Transfer cancelled by client")
		}
		c.send(EventTransferCancelled, TransferCancelled{Status: "cancelled"})

	default:
		c.sendError("unknown event: " + msg.Event)
	}
}

// handleBinaryChunk decodes [4-byte big-endian index][chunk bytes].
func (c *socketConn) handleBinaryChunk(frame []byte) {
	if len(frame) < binaryHeaderLen {
		c.sendError("binary frame too short")
		return
	}
	index := int(binary.BigEndian.Uint32(frame[:binaryHeaderLen]))
	c.ingest(index, frame[binaryHeaderLen:])
}

func (c *socketConn) ingest(index int, data []byte) {
	res, err := c.server.engine.IngestChunk(c.id, index, data)
	if res.Ack != nil {
		c.send(EventChunkReceived, res.Ack)
	}

	var fe *FinalizeError
	switch {
	case err == nil:
	case errors.As(err, &fe):
		c.send(EventUploadFailed, UploadFailed{Filename: fe.Filename, Message: fe.Error()})
		return
	case isSessionErr(err):
		c.sendError("Invalid session")
		return
	default:
		c.send(EventChunkError, ChunkError{ChunkIndex: index, Message: err.Error()})
		return
	}

	if res.Complete != nil {
		c.send(EventUploadComplete, res.Complete)
	}
}

func (c *socketConn) sendFailure(filename string, err error) {
	var fe *FinalizeError
	if errors.As(err, &fe) {
		c.send(EventUploadFailed, UploadFailed{Filename: filename, Message: fe.Error()})
		return
	}
	c.sendError(err.Error())
}

func isSessionErr(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrWrongDirection)
}

func (c *socketConn) sendError(message string) {
	c.send(EventError, ErrorEvent{Message: message})
}

// Notify queues a monitor snapshot for the client without blocking. While
// the previous snapshot is still pending the new one is dropped.
func (c *socketConn) Notify(snap Snapshot) {
	select {
	case c.snapshots <- snap:
	default:
	}
}

// send writes one event. Writes from the read loop and the monitor are
// serialized by writeMu. A failed write is logged; the read loop notices
// the dead connection.
func (c *socketConn) send(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(Message{Event: event, Data: payload}); err != nil {
		c.log.WithError(err).WithField("event", event).Debug("Failed to send event")
	}
}
