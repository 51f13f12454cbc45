package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/netshare/pkg/logging"
)

// loggedHandler wraps a handler with request logging
type loggedHandler struct {
	next http.Handler
}

func (l *loggedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logging.Log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"remote": r.RemoteAddr,
	}).Debug("request")
	l.next.ServeHTTP(w, r)
}

// WithLogging returns h wrapped with request logging.
func WithLogging(h http.Handler) http.Handler {
	return &loggedHandler{next: h}
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully. Long-lived streams get shutdownTimeout to drain.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           WithLogging(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Log.Infof("🚀 NetShare listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.Log.Info("🛑 Shutting down HTTP server")
	return server.Shutdown(shutdownCtx)
}
