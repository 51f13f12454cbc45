package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/netshare/config"
	"github.com/jaywantadh/netshare/internal/auth"
	"github.com/jaywantadh/netshare/internal/broadcast"
	"github.com/jaywantadh/netshare/internal/metadata"
	"github.com/jaywantadh/netshare/internal/naming"
	"github.com/jaywantadh/netshare/internal/storage"
	"github.com/jaywantadh/netshare/internal/transfer"
	"github.com/jaywantadh/netshare/pkg/env"
	"github.com/jaywantadh/netshare/pkg/httpserver"
	"github.com/jaywantadh/netshare/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "netshare",
		Usage: "Share files across the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"NETSHARE_CONFIG_DIR"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			return logging.InitLogger(cfg.Debug, cfg.LogFile)
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the file sharing server",
				Action:  serve,
			},
			{
				Name:   "purge",
				Usage:  "Remove temp files left by interrupted uploads",
				Action: purge,
			},
			{
				Name:   "status",
				Usage:  "Show active transfers on a server",
				Flags:  clientFlags(),
				Action: status,
			},
			{
				Name:  "watch",
				Usage: "Follow transfer snapshots published on redis",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "redis", Usage: "redis URL, defaults to redis_url from the config"},
					&cli.StringFlag{Name: "channel", Usage: "redis channel, defaults to redis_channel from the config"},
				},
				Action: watch,
			},
			{
				Name:      "versions",
				Usage:     "List archived versions of a file",
				ArgsUsage: "<name>",
				Flags:     clientFlags(),
				Action:    versions,
			},
			{
				Name:      "push",
				Usage:     "Upload a file, resuming a previous attempt",
				ArgsUsage: "<file>",
				Flags: append(clientFlags(),
					&cli.StringFlag{Name: "name", Usage: "name to store the file under"},
					&cli.StringFlag{Name: "permission", Value: metadata.PermissionPublic, Usage: "public, private or restricted"},
					&cli.StringSliceFlag{Name: "allow", Usage: "user allowed to read a restricted file"},
					&cli.BoolFlag{Name: "compress", Usage: "ask the server to lz4-compress the file"},
					&cli.BoolFlag{Name: "version", Usage: "keep the replaced file as a version"},
				),
				Action: push,
			},
			{
				Name:      "pull",
				Usage:     "Download a file, resuming a partial download",
				ArgsUsage: "<name>",
				Flags: append(clientFlags(),
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination path"},
				),
				Action: pull,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Value: "http://" + env.GetEnv("NETSHARE_SERVER", "localhost:5001"),
			Usage: "server base URL",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "session token; anonymous when empty",
			EnvVars: []string{"NETSHARE_TOKEN"},
		},
	}
}

func serve(c *cli.Context) error {
	cfg := config.Config

	store, err := storage.NewLocalStore(cfg.UploadFolder, cfg.TempFolder)
	if err != nil {
		return err
	}
	removed, err := store.PurgeOrphans()
	if err != nil {
		return err
	}
	if removed > 0 {
		logging.Log.Infof("🧹 Removed %d orphaned temp files", removed)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MetadataPath), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	metaStore, err := metadata.OpenMetadataStore(cfg.MetadataPath)
	if err != nil {
		return err
	}
	defer metaStore.Close()

	opts := transfer.Options{
		ChunkSize:         cfg.ChunkSize,
		BufferSize:        cfg.BufferSize,
		AckEvery:          cfg.AckEvery,
		BandwidthLimit:    cfg.BandwidthLimit,
		EnableCompression: cfg.EnableCompression,
		Versioner:         naming.Versioning{VersionDir: cfg.VersionFolder},
	}
	if cfg.EnableVersioning {
		opts.Namer = opts.Versioner
	}
	engine := transfer.NewEngine(opts, transfer.NewRegistry(), store, metaStore)
	defer engine.Shutdown()

	var validator auth.Validator
	if cfg.JWTSecret != "" {
		validator = auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logging.Log.Warn("No jwt_secret configured, every transfer is anonymous")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := transfer.NewMonitor(engine.Registry(), cfg.MonitorInterval)
	if cfg.RedisURL != "" {
		publisher, err := broadcast.NewRedisPublisher(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.Ping(ctx); err != nil {
			logging.Log.WithError(err).Warn("Redis unreachable, snapshots will be dropped until it is back")
		}
		monitor.Subscribe(publisher)
		logging.Log.Infof("📡 Publishing transfer snapshots to %s", publisher.Channel())
	}
	go monitor.Run(ctx)

	socket := transfer.NewSocketServer(engine, monitor, validator, transfer.SocketOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
	})
	server := transfer.NewServer(engine, monitor, socket, validator)

	logging.Log.Infof("📁 Upload folder: %s", cfg.UploadFolder)
	logging.Log.Infof("📦 Chunk size: %s, buffer: %s", transfer.FormatBytes(cfg.ChunkSize), transfer.FormatBytes(int64(cfg.BufferSize)))
	if cfg.BandwidthLimit > 0 {
		logging.Log.Infof("🐢 Bandwidth limit: %s/s", transfer.FormatBytes(cfg.BandwidthLimit))
	}
	return httpserver.Run(ctx, cfg.Addr(), server.Handler(), shutdownTimeout)
}

func purge(c *cli.Context) error {
	cfg := config.Config
	store, err := storage.NewLocalStore(cfg.UploadFolder, cfg.TempFolder)
	if err != nil {
		return err
	}
	removed, err := store.PurgeOrphans()
	if err != nil {
		return err
	}
	logging.Log.Infof("🧹 Removed %d orphaned temp files from %s", removed, store.TempDir())
	return nil
}

func status(c *cli.Context) error {
	client := transfer.NewClient(c.String("server"), c.String("token"))
	snap, err := client.Transfers(c.Context)
	if err != nil {
		return err
	}
	transfer.PrintSnapshot(os.Stdout, snap)
	return nil
}

func watch(c *cli.Context) error {
	cfg := config.Config
	redisURL := c.String("redis")
	if redisURL == "" {
		redisURL = cfg.RedisURL
	}
	if redisURL == "" {
		return cli.Exit("watch needs --redis or redis_url in the config", 2)
	}
	channel := c.String("channel")
	if channel == "" {
		channel = cfg.RedisChannel
	}

	subscriber, err := broadcast.NewRedisPublisher(redisURL, channel)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Log.Infof("👀 Watching %s", subscriber.Channel())
	return subscriber.Subscribe(ctx, func(snap transfer.Snapshot) {
		fmt.Printf("\n[%s]\n", snap.Timestamp.Format(time.TimeOnly))
		transfer.PrintSnapshot(os.Stdout, snap)
	})
}

func versions(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("versions needs a file name", 2)
	}
	client := transfer.NewClient(c.String("server"), c.String("token"))
	out, err := client.Versions(c.Context, name)
	if err != nil {
		return err
	}
	if len(out.Versions) == 0 {
		fmt.Printf("No archived versions of %s\n", name)
		return nil
	}
	for _, v := range out.Versions {
		fmt.Printf("v%-3d %-30s %10s  %s\n", v.Number, v.Filename, transfer.FormatBytes(v.Size), v.Timestamp.Format(time.DateTime))
	}
	fmt.Printf("Current file is v%d\n", out.CurrentVersion)
	return nil
}

func push(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("push needs a file", 2)
	}
	name := c.String("name")
	if name == "" {
		name = filepath.Base(path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transfer.NewClient(c.String("server"), c.String("token"))
	client.OnProgress = progressPrinter("⬆️ ", name)
	result, err := client.UploadFile(ctx, path, name, transfer.UploadOptions{
		Permission:   c.String("permission"),
		AllowedUsers: c.StringSlice("allow"),
		Compress:     c.Bool("compress"),
		Version:      c.Bool("version"),
	})
	fmt.Println()
	if err != nil {
		return err
	}
	logging.Log.Infof("✅ Stored %s (%s) at %s", result.Filename, transfer.FormatBytes(result.Size), result.Speed)
	return nil
}

func pull(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("pull needs a file name", 2)
	}
	dest := c.String("out")
	if dest == "" {
		dest = name
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transfer.NewClient(c.String("server"), c.String("token"))
	client.OnProgress = progressPrinter("⬇️ ", name)
	n, err := client.DownloadFile(ctx, name, dest)
	fmt.Println()
	if err != nil {
		return err
	}
	logging.Log.Infof("✅ Saved %s (%s)", dest, transfer.FormatBytes(n))
	return nil
}

// progressPrinter redraws one status line at most every 200ms.
func progressPrinter(prefix, name string) func(done, total int64) {
	var last time.Time
	return func(done, total int64) {
		if time.Since(last) < 200*time.Millisecond && done < total {
			return
		}
		last = time.Now()
		percent := 0.0
		if total > 0 {
			percent = float64(done) / float64(total) * 100
		}
		fmt.Printf("\r%s %s %5.1f%% (%s/%s)", prefix, name, percent, transfer.FormatBytes(done), transfer.FormatBytes(total))
	}
}
