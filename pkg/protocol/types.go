package protocol

import "fmt"

// ProtocolVersion is carried in every request and response.
const ProtocolVersion = 1

// Op identifies a request kind.
type Op uint8

const (
	OpOpen Op = iota + 1
	OpRead
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Status is the outcome code of a response.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusInvalidHandle
	StatusInvalidRequest
	StatusEndOfFile
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "object name not found"
	case StatusInvalidHandle:
		return "invalid handle"
	case StatusInvalidRequest:
		return "invalid request"
	case StatusEndOfFile:
		return "end of file"
	case StatusIOError:
		return "i/o error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}
