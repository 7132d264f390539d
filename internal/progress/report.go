package progress

import (
	"context"
	"log/slog"
	"time"
)

// Report logs a progress line every interval until ctx is done.
func Report(ctx context.Context, logger *slog.Logger, m *Meter, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			logger.Info("progress",
				"bytes", s.BytesDone,
				"total", s.Total,
				"percent", int(s.Percent),
				"rate", FormatRate(s.RateBps),
				"eta", s.ETA.Round(time.Second).String(),
			)
		}
	}
}

// Summary logs the final totals of a finished transfer.
func Summary(logger *slog.Logger, m *Meter) {
	s := m.Snapshot()
	logger.Info("transfer complete",
		"bytes", s.BytesDone,
		"size", FormatBytes(s.BytesDone),
		"elapsed", s.Elapsed.Round(time.Millisecond).String(),
		"avg_rate", FormatRate(s.AverageBps()),
	)
}
