package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/sheerbytes/sheerread/internal/plan"
)

// FileHandle identifies an open remote file.
// EndOfFile is the server's little-endian length field, kept verbatim.
type FileHandle struct {
	ID        uuid.UUID
	EndOfFile []byte
}

// Length decodes the file length carried by the handle.
func (h FileHandle) Length() (uint64, error) {
	return plan.DecodeLength(h.EndOfFile)
}

// FileClient is the request/response surface the controller reads through.
// Calls block until the response arrives; the controller runs each read on
// its own goroutine so that several are outstanding at once.
type FileClient interface {
	Open(ctx context.Context, path string) (FileHandle, error)
	Read(ctx context.Context, id uuid.UUID, offset uint64, length uint32) ([]byte, error)
	Close(ctx context.Context, h FileHandle) error
}

// Delivery is one completed chunk handed to the consumer side.
type Delivery struct {
	Index  uint64
	Offset uint64
	Data   []byte
}

// Sink receives deliveries in plan order.
//
// Deliver always accepts the chunk; returning false asks the controller to
// stop delivering until the next Drive. All methods are called with the
// controller lock held and must not call back into the controller.
type Sink interface {
	Deliver(d Delivery) bool
	End()
	Fail(err error)
	Closed(err error)
}

// Transform rewrites a chunk's payload before delivery, e.g. text decoding.
type Transform func([]byte) ([]byte, error)
