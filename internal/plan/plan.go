package plan

import (
	"errors"
	"fmt"
	"iter"
)

// DefaultMaxFrameSize is the largest payload a single read request may ask for.
const DefaultMaxFrameSize uint32 = 64 * 1024

// ErrLengthOverflow indicates a length field that does not fit in 64 bits.
var ErrLengthOverflow = errors.New("plan: length field overflows uint64")

// ChunkRequest describes one bounded read of the target file.
type ChunkRequest struct {
	Index  uint64
	Offset uint64
	Length uint32
}

// End returns the offset one past the last byte of the chunk.
func (c ChunkRequest) End() uint64 {
	return c.Offset + uint64(c.Length)
}

func (c ChunkRequest) String() string {
	return fmt.Sprintf("chunk %d [%d,+%d)", c.Index, c.Offset, c.Length)
}

// Plan is the ordered, contiguous sequence of chunks covering [start, end).
// It is a value: chunks are computed on demand, so plans over very large
// files cost no memory.
type Plan struct {
	start     uint64
	end       uint64
	frameSize uint32
	count     uint64
}

// DecodeLength decodes a little-endian length field of any width.
// Bytes past the eighth must be zero.
func DecodeLength(field []byte) (uint64, error) {
	var n uint64
	for i, b := range field {
		if i >= 8 {
			if b != 0 {
				return 0, ErrLengthOverflow
			}
			continue
		}
		n |= uint64(b) << (8 * i)
	}
	return n, nil
}

// Build plans the reads for [start, min(end, fileLength-1)].
// A nil end reads to the end of the file. An empty range yields an empty plan.
func Build(fileLength, start uint64, end *uint64, maxFrameSize uint32) Plan {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	effectiveEnd := fileLength
	if end != nil && *end < fileLength {
		effectiveEnd = *end + 1
	}

	p := Plan{start: start, end: effectiveEnd, frameSize: maxFrameSize}
	if start >= effectiveEnd {
		p.end = start
		return p
	}

	span := effectiveEnd - start
	frame := uint64(maxFrameSize)
	p.count = span / frame
	if span%frame != 0 {
		p.count++
	}
	return p
}

// Len returns the number of chunks in the plan.
func (p Plan) Len() uint64 {
	return p.count
}

// Start returns the first byte offset covered by the plan.
func (p Plan) Start() uint64 {
	return p.start
}

// End returns the offset one past the last byte covered by the plan.
func (p Plan) End() uint64 {
	return p.end
}

// Size returns the number of bytes covered by the plan.
func (p Plan) Size() uint64 {
	return p.end - p.start
}

// FrameSize returns the maximum chunk length.
func (p Plan) FrameSize() uint32 {
	return p.frameSize
}

// At returns chunk i. It panics if i is out of range.
func (p Plan) At(i uint64) ChunkRequest {
	if i >= p.count {
		panic(fmt.Sprintf("plan: chunk index %d out of range [0, %d)", i, p.count))
	}
	offset := p.start + i*uint64(p.frameSize)
	length := uint64(p.frameSize)
	if rest := p.end - offset; rest < length {
		length = rest
	}
	return ChunkRequest{Index: i, Offset: offset, Length: uint32(length)}
}

// Chunks yields every chunk in order.
func (p Plan) Chunks() iter.Seq[ChunkRequest] {
	return func(yield func(ChunkRequest) bool) {
		for i := uint64(0); i < p.count; i++ {
			if !yield(p.At(i)) {
				return
			}
		}
	}
}
