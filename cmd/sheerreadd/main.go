package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/sheerread/internal/config"
	"github.com/sheerbytes/sheerread/internal/fileserver"
	"github.com/sheerbytes/sheerread/internal/logging"
	"github.com/sheerbytes/sheerread/internal/transferquic"
	"github.com/sheerbytes/sheerread/internal/transferws"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheerreadd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("sheerreadd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", cfg.BucketURL, err)
	}
	defer bucket.Close()

	srv := fileserver.New(bucket, fileserver.Options{
		MaxFrameSize: cfg.FrameSize,
		Logger:       logger,
	})

	tlsConf, err := transferquic.ServerTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}
	quicT, err := transferquic.ListenAddr(cfg.Addr, tlsConf, logger)
	if err != nil {
		return err
	}
	defer quicT.Close()
	logger.Info("serving bucket", "bucket", cfg.BucketURL, "quic_addr", quicT.Addr().String(), "frame_size", srv.MaxFrameSize())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, quicT)
	})

	if cfg.WSAddr != "" {
		wsT := transferws.NewListener(0, logger)
		mux := http.NewServeMux()
		mux.Handle("/ws", wsT)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintln(w, `{"ok":true}`)
		})
		httpSrv := &http.Server{Addr: cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("websocket listener started", "addr", cfg.WSAddr, "path", "/ws")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return srv.Serve(ctx, wsT)
		})
		g.Go(func() error {
			<-ctx.Done()
			wsT.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	st := srv.Stats()
	logger.Info("server stopped", "streams", st.Streams, "opens", st.Opens, "reads", st.Reads, "bytes_read", st.BytesRead)
	return err
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: sheerreadd [--addr ADDR] [--ws-addr ADDR] [--bucket URL]")
	fmt.Fprintln(os.Stderr, "  --addr ADDR          QUIC listen address (default :4433)")
	fmt.Fprintln(os.Stderr, "  --ws-addr ADDR       WebSocket listen address, serves /ws (default disabled)")
	fmt.Fprintln(os.Stderr, "  --bucket URL         bucket to serve, file:///path or mem:// (default file://.)")
	fmt.Fprintln(os.Stderr, "  --frame-size SIZE    largest read answered (default 64KiB, max 1MiB)")
	fmt.Fprintln(os.Stderr, "  --cert FILE          TLS certificate (self-signed when omitted)")
	fmt.Fprintln(os.Stderr, "  --key FILE           TLS private key")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL    debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --config FILE        YAML config file (env SHEERREAD_CONFIG)")
	fmt.Fprintln(os.Stderr, "  --version            print version")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
