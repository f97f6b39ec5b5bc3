package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/relayd/internal/model"
)

// Version is the envelope version written by this package.
const Version = 1

var (
	// ErrMalformed reports a payload that could not be decoded.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrUnsupportedVersion reports an envelope from an incompatible writer.
	ErrUnsupportedVersion = errors.New("wire: unsupported envelope version")
	// ErrFrameTooLarge reports a frame longer than the configured maximum.
	// The frame has been consumed from the stream.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

type envelope struct {
	Version int                `cbor:"v" msgpack:"v" json:"v"`
	Source  string             `cbor:"src" msgpack:"src" json:"src"`
	SentAt  int64              `cbor:"ts" msgpack:"ts" json:"ts"`
	Values  map[string]float64 `cbor:"vals" msgpack:"vals" json:"vals"`
}

// Encode serializes m into an envelope payload (without frame header).
func Encode(codec Codec, m model.Measurement) ([]byte, error) {
	env := envelope{
		Version: Version,
		Source:  m.Source,
		Values:  m.Values,
	}
	if !m.SentAt.IsZero() {
		env.SentAt = m.SentAt.UnixNano()
	}
	data, err := codec.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s envelope: %w", codec.Name(), err)
	}
	return data, nil
}

// Decode parses one envelope payload.
func Decode(codec Codec, payload []byte) (model.Measurement, error) {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		return model.Measurement{}, fmt.Errorf("%w: %s: %v", ErrMalformed, codec.Name(), err)
	}
	if env.Version != Version {
		return model.Measurement{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	m := model.Measurement{
		Source: env.Source,
		Values: env.Values,
	}
	if env.SentAt != 0 {
		m.SentAt = time.Unix(0, env.SentAt).UTC()
	}
	return m, nil
}

// Recoverable reports whether err affects only a single frame, so the
// stream can keep being read.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrFrameTooLarge)
}
