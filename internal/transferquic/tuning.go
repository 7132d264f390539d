package transferquic

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// Tuning results.
const (
	TuneOK     = "ok"
	TuneNA     = "n/a"
	TuneDenied = "denied"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	minConnWindow   = 1 * 1024 * 1024
	maxConnWindow   = 1024 * 1024 * 1024
	minStreamWindow = 1 * 1024 * 1024
	maxStreamWindow = 256 * 1024 * 1024
	minMaxStreams   = 1
	maxMaxStreams   = 2048
)

// Tuning sizes the listener's UDP socket buffers and QUIC flow-control
// windows. Zero fields keep the defaults.
type Tuning struct {
	UDPReadBuffer  int
	UDPWriteBuffer int
	ConnWindow     int
	StreamWindow   int
	MaxStreams     int
}

// DefaultTuning suits a server answering many concurrent frame reads.
func DefaultTuning() Tuning {
	return Tuning{
		UDPReadBuffer:  8 * 1024 * 1024,
		UDPWriteBuffer: 8 * 1024 * 1024,
	}
}

// UDPTuneResult reports what ApplyUDPBuffers asked for and whether the
// kernel accepted it.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers sets socket buffer sizes, clamped to a sane range. Failure
// is reported, not fatal: QUIC still works with the system defaults.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     TuneOK,
	}
	if conn == nil {
		result.Status = TuneNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = TuneDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

// Apply returns a copy of base with the tuning's flow-control settings.
func (t Tuning) Apply(base *quic.Config) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	if t.ConnWindow > 0 {
		conn := clamp(t.ConnWindow, minConnWindow, maxConnWindow)
		cfg.MaxConnectionReceiveWindow = uint64(conn)
		if cfg.InitialConnectionReceiveWindow > uint64(conn) {
			cfg.InitialConnectionReceiveWindow = uint64(conn)
		}
	}
	if t.StreamWindow > 0 {
		stream := clamp(t.StreamWindow, minStreamWindow, maxStreamWindow)
		cfg.MaxStreamReceiveWindow = uint64(stream)
		if cfg.InitialStreamReceiveWindow > uint64(stream) {
			cfg.InitialStreamReceiveWindow = uint64(stream)
		}
	}
	if t.MaxStreams > 0 {
		cfg.MaxIncomingStreams = int64(clamp(t.MaxStreams, minMaxStreams, maxMaxStreams))
	}
	return cfg
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
