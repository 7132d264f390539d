package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/sheerread/internal/config"
	"github.com/sheerbytes/sheerread/internal/logging"
	"github.com/sheerbytes/sheerread/internal/progress"
	"github.com/sheerbytes/sheerread/internal/remotefs"
	"github.com/sheerbytes/sheerread/internal/transfer"
	"github.com/sheerbytes/sheerread/internal/transferquic"
	"github.com/sheerbytes/sheerread/internal/transferws"
	"github.com/sheerbytes/sheerread/pkg/readstream"
)

const version = "v0.1.0"

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitNotFound = 2
)

func main() {
	args := os.Args[1:]
	if hasHelpFlag(args) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	cfg, err := config.ParseClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheerread: %v\n", err)
		os.Exit(exitFailure)
	}
	if cfg.Path == "" {
		fmt.Fprintln(os.Stderr, "sheerread: -path is required")
		printUsage()
		os.Exit(exitFailure)
	}
	logger := logging.New("sheerread", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) int {
	dialer, err := newDialer(cfg, logger)
	if err != nil {
		logger.Error("transport setup failed", "error", err)
		return exitFailure
	}
	defer dialer.Close()

	conn, err := dialer.Dial(ctx, cfg.Server)
	if err != nil {
		logger.Error("connect failed", "server", cfg.Server, "error", err)
		return exitFailure
	}
	defer conn.Close()

	client, err := remotefs.Dial(ctx, conn, logger)
	if err != nil {
		logger.Error("open stream failed", "error", err)
		return exitFailure
	}
	defer client.Shutdown()

	s, err := readstream.Open(ctx, client, cfg.Path, readstream.Options{
		Start:          cfg.Start,
		End:            cfg.End,
		Encoding:       cfg.Encoding,
		MaxConcurrency: cfg.Concurrency,
		MaxFrameSize:   cfg.FrameSize,
		ReleaseOnError: true,
		Logger:         logger,
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Error("file not found", "path", cfg.Path)
			return exitNotFound
		}
		logger.Error("open failed", "path", cfg.Path, "error", err)
		return exitFailure
	}

	out, closeOut, err := openOutput(cfg.Output)
	if err != nil {
		s.Close()
		logger.Error("open output failed", "output", cfg.Output, "error", err)
		return exitFailure
	}

	meter := progress.NewMeter()
	meter.Start(int64(s.Size()))
	reportCtx, stopReport := context.WithCancel(ctx)
	go progress.Report(reportCtx, logger, meter, 2*time.Second)

	_, copyErr := io.Copy(meter.Writer(out), s)
	stopReport()
	closeErr := s.Close()
	if err := closeOut(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		var readErr *readstream.ReadError
		if errors.As(copyErr, &readErr) {
			logger.Error("read failed", "chunk", readErr.Index, "error", readErr.Err)
		} else {
			logger.Error("transfer failed", "error", copyErr)
		}
		return exitFailure
	}
	if closeErr != nil {
		// The data arrived intact; only releasing the remote handle failed.
		logger.Warn("close failed", "path", cfg.Path, "error", closeErr)
	}

	st := s.Stats()
	logger.Debug("pipeline stats", "issued", st.Issued, "delivered", st.Delivered)
	progress.Summary(logger, meter)
	return exitOK
}

func newDialer(cfg config.ClientConfig, logger *slog.Logger) (transfer.Transport, error) {
	switch cfg.Transport {
	case "quic":
		return transferquic.NewDialer(transferquic.ClientTLSConfig(cfg.Insecure), logger), nil
	case "ws":
		return transferws.NewDialer(0, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: sheerread --path PATH [--server ADDR] [--start N] [--end N] [--output FILE]")
	fmt.Fprintln(os.Stderr, "  --server ADDR        host:port for quic, ws://host/ws for ws (default localhost:4433)")
	fmt.Fprintln(os.Stderr, "  --transport NAME     quic or ws (default quic)")
	fmt.Fprintln(os.Stderr, "  --path PATH          remote file to read")
	fmt.Fprintln(os.Stderr, "  --start N            first byte offset (default 0)")
	fmt.Fprintln(os.Stderr, "  --end N              last byte offset, inclusive (default end of file; below --start reads nothing)")
	fmt.Fprintln(os.Stderr, "  --encoding NAME      decode chunks to UTF-8 from this charset")
	fmt.Fprintln(os.Stderr, "  --concurrency N      reads kept in flight (default 2)")
	fmt.Fprintln(os.Stderr, "  --frame-size SIZE    bytes per read (default 64KiB)")
	fmt.Fprintln(os.Stderr, "  --output FILE        output file, - for stdout (default -)")
	fmt.Fprintln(os.Stderr, "  --insecure           skip server certificate verification (default true)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL    debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --config FILE        YAML config file (env SHEERREAD_CONFIG)")
	fmt.Fprintln(os.Stderr, "exit status 2 means the remote file does not exist")
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
