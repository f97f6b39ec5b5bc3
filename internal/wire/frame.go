package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinytelemetry/relayd/internal/model"
)

const headerSize = 4

// Reader decodes measurements from a framed stream.
type Reader struct {
	r       *bufio.Reader
	codec   Codec
	maxSize int
	hdr     [headerSize]byte
	buf     []byte
}

// NewReader returns a Reader that rejects frames longer than maxSize bytes.
func NewReader(r io.Reader, codec Codec, maxSize int) *Reader {
	if codec == nil {
		codec = DefaultCodec()
	}
	if maxSize <= 0 {
		maxSize = model.DefaultChunkSize
	}
	return &Reader{
		r:       bufio.NewReader(r),
		codec:   codec,
		maxSize: maxSize,
	}
}

// Next returns the next measurement.
//
// io.EOF is returned only at a frame boundary. Errors for which Recoverable
// is true leave the stream positioned at the next frame.
func (r *Reader) Next() (model.Measurement, error) {
	for {
		if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
			return model.Measurement{}, err
		}
		n := binary.BigEndian.Uint32(r.hdr[:])
		if n == 0 {
			continue
		}
		if uint64(n) > uint64(r.maxSize) {
			if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
				return model.Measurement{}, unexpected(err)
			}
			return model.Measurement{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, r.maxSize)
		}
		if cap(r.buf) < int(n) {
			r.buf = make([]byte, n)
		}
		payload := r.buf[:n]
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return model.Measurement{}, unexpected(err)
		}
		return Decode(r.codec, payload)
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes measurements onto a framed stream.
type Writer struct {
	w     io.Writer
	codec Codec
}

// NewWriter returns a Writer using codec (CBOR when nil).
func NewWriter(w io.Writer, codec Codec) *Writer {
	if codec == nil {
		codec = DefaultCodec()
	}
	return &Writer{w: w, codec: codec}
}

// Write sends one measurement as a single frame.
func (w *Writer) Write(m model.Measurement) error {
	frame, err := AppendFrame(nil, w.codec, m)
	if err != nil {
		return err
	}
	_, err = w.w.Write(frame)
	return err
}

// AppendFrame appends the framed encoding of m to dst.
func AppendFrame(dst []byte, codec Codec, m model.Measurement) ([]byte, error) {
	payload, err := Encode(codec, m)
	if err != nil {
		return dst, err
	}
	return AppendRaw(dst, payload), nil
}

// AppendRaw frames an already encoded (or arbitrary) payload.
func AppendRaw(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
