package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/zlib"
)

// Reassembler turns an unbounded byte stream into Frames. It keeps at most
// one partial frame between calls to Feed.
//
// A Reassembler belongs to the goroutine that reads its stream and is not
// safe for concurrent use.
type Reassembler struct {
	buf []byte
	off int

	maxLength int
	threshold int // compression threshold, -1 when disabled

	opaque bool
	err    error
}

// NewReassembler creates a Reassembler that rejects frames declaring more
// than maxLength bytes. A non-positive maxLength selects DefaultMaxFrameLength.
func NewReassembler(maxLength int) *Reassembler {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &Reassembler{
		maxLength: maxLength,
		threshold: -1,
	}
}

// Feed appends chunk to the accumulator and returns the frames it completes.
//
// The returned sequence is lazy: frames are cut from the accumulator as they
// are pulled, and anything not pulled stays buffered for the next Feed.
// Recoverable decode errors are yielded alongside a zero Frame and iteration
// continues. A frame length above the ceiling poisons the Reassembler: the
// error is yielded and every later Feed yields it again.
func (r *Reassembler) Feed(chunk []byte) iter.Seq2[Frame, error] {
	if r.err == nil && !r.opaque {
		r.compact()
		r.buf = append(r.buf, chunk...)
	}

	return func(yield func(Frame, error) bool) {
		if r.err != nil {
			yield(Frame{}, r.err)
			return
		}

		for !r.opaque {
			pending := r.buf[r.off:]

			length, n, err := DecodeVarInt(pending, 0)
			if errors.Is(err, ErrTruncatedInput) {
				return
			}
			if err != nil {
				r.poison(&FrameTooLargeError{Max: r.maxLength, Err: err})
				yield(Frame{}, r.err)
				return
			}
			if int64(length) > int64(r.maxLength) {
				r.poison(&FrameTooLargeError{Length: length, Max: r.maxLength})
				yield(Frame{}, r.err)
				return
			}
			if len(pending)-n < int(length) {
				return
			}

			body := pending[n : n+int(length)]
			r.off += n + int(length)

			frame, err := r.decodeBody(length, body)
			if !yield(frame, err) {
				return
			}
			if r.err != nil {
				return
			}
		}
	}
}

// SetCompression switches body decoding to the compressed layout used after
// Set Compression. A negative threshold turns compression off again.
func (r *Reassembler) SetCompression(threshold int) {
	if threshold < 0 {
		r.threshold = -1
		return
	}
	r.threshold = threshold
}

// Compression returns the active compression threshold, or -1.
func (r *Reassembler) Compression() int {
	return r.threshold
}

// Detach stops decoding for good, typically once the stream is encrypted.
// Buffered bytes are dropped and later chunks are ignored without error.
func (r *Reassembler) Detach() {
	r.opaque = true
	r.buf = nil
	r.off = 0
}

// Detached reports whether Detach has been called.
func (r *Reassembler) Detached() bool {
	return r.opaque
}

// Err returns the error that poisoned the Reassembler, if any.
func (r *Reassembler) Err() error {
	return r.err
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.off
}

func (r *Reassembler) poison(err error) {
	r.err = err
	r.buf = nil
	r.off = 0
}

// compact moves the unconsumed tail to the front of the accumulator so the
// backing array does not grow with consumed frames.
func (r *Reassembler) compact() {
	if r.off == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}

// decodeBody splits a frame body into identifier and payload.
func (r *Reassembler) decodeBody(length uint32, body []byte) (Frame, error) {
	if r.threshold < 0 {
		return splitBody(length, body, false)
	}

	dataLength, n, err := DecodeVarInt(body, 0)
	if err != nil {
		return Frame{Length: length}, fmt.Errorf("decode data length: %w", err)
	}
	if dataLength == 0 {
		return splitBody(length, body[n:], false)
	}
	if int64(dataLength) > int64(r.maxLength) {
		return Frame{Length: length}, fmt.Errorf("inflated length %d exceeds %d bytes", dataLength, r.maxLength)
	}

	inflated, err := inflate(body[n:], int(dataLength))
	if err != nil {
		return Frame{Length: length}, err
	}
	return splitBody(length, inflated, true)
}

func splitBody(length uint32, body []byte, compressed bool) (Frame, error) {
	id, n, err := DecodeVarInt(body, 0)
	if err != nil {
		return Frame{Length: length}, fmt.Errorf("decode packet id: %w", err)
	}

	f := Frame{Length: length, ID: id, Compressed: compressed}
	if rest := body[n:]; len(rest) > 0 {
		f.Payload = bytes.Clone(rest)
	}
	return f, nil
}

func inflate(data []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open zlib stream: %w", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("inflate %d bytes: %w", size, err)
	}
	return out, nil
}
