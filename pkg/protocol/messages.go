package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxReadLength bounds the Length of a single read request.
const MaxReadLength = 1 << 20

// FileIDSize is the length of a file handle (a UUID).
const FileIDSize = 16

// Request is sent by the client. Fields unused by Op are left zero.
type Request struct {
	V      int    `cbor:"1,keyasint"`
	ID     uint64 `cbor:"2,keyasint"`
	Op     Op     `cbor:"3,keyasint"`
	Path   string `cbor:"4,keyasint,omitempty"`
	FileID []byte `cbor:"5,keyasint,omitempty"`
	Offset uint64 `cbor:"6,keyasint,omitempty"`
	Length uint32 `cbor:"7,keyasint,omitempty"`
}

// Response answers the request with the same ID.
// EndOfFile is the file length as 8 little-endian bytes, set on open.
type Response struct {
	V         int    `cbor:"1,keyasint"`
	ID        uint64 `cbor:"2,keyasint"`
	Status    Status `cbor:"3,keyasint"`
	Message   string `cbor:"4,keyasint,omitempty"`
	FileID    []byte `cbor:"5,keyasint,omitempty"`
	EndOfFile []byte `cbor:"6,keyasint,omitempty"`
	Data      []byte `cbor:"7,keyasint,omitempty"`
}

// NewRequest returns a request stamped with the current protocol version.
func NewRequest(id uint64, op Op) Request {
	return Request{V: ProtocolVersion, ID: id, Op: op}
}

// Reply returns an OK response for req.
func (r Request) Reply() Response {
	return Response{V: ProtocolVersion, ID: r.ID, Status: StatusOK}
}

// Fail returns an error response for req.
func (r Request) Fail(status Status, format string, args ...any) Response {
	return Response{V: ProtocolVersion, ID: r.ID, Status: status, Message: fmt.Sprintf(format, args...)}
}

// ValidateBasic checks the fields required by the request's op.
func (r Request) ValidateBasic() error {
	if r.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", r.V, ProtocolVersion)
	}
	switch r.Op {
	case OpOpen:
		if r.Path == "" {
			return errors.New("path is required")
		}
	case OpRead:
		if len(r.FileID) != FileIDSize {
			return fmt.Errorf("file_id must be %d bytes, got %d", FileIDSize, len(r.FileID))
		}
		if r.Length == 0 || r.Length > MaxReadLength {
			return fmt.Errorf("length %d out of range (1..%d)", r.Length, MaxReadLength)
		}
	case OpClose:
		if len(r.FileID) != FileIDSize {
			return fmt.Errorf("file_id must be %d bytes, got %d", FileIDSize, len(r.FileID))
		}
	default:
		return fmt.Errorf("unknown op %s", r.Op)
	}
	return nil
}

// ValidateBasic checks version and the length of fixed-size fields.
func (r Response) ValidateBasic() error {
	if r.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", r.V, ProtocolVersion)
	}
	if len(r.FileID) != 0 && len(r.FileID) != FileIDSize {
		return fmt.Errorf("file_id must be %d bytes, got %d", FileIDSize, len(r.FileID))
	}
	if len(r.Data) > MaxReadLength {
		return fmt.Errorf("data length %d exceeds %d", len(r.Data), MaxReadLength)
	}
	return nil
}

// Err returns nil for StatusOK and a *StatusError otherwise.
func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &StatusError{Status: r.Status, Message: r.Message}
}

// StatusError is a non-OK response surfaced as an error.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// EncodeLength produces the EndOfFile field for a file of n bytes.
func EncodeLength(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}
