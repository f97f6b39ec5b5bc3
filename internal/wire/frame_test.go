package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/relayd/internal/model"
)

func sample(source string, v float64) model.Measurement {
	return model.Measurement{
		Source: source,
		SentAt: time.Unix(1700000000, 123).UTC(),
		Values: map[string]float64{"cpu.user": v, "mem.free": 2048},
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	t.Parallel()

	for _, name := range CodecNames() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			codec, err := CodecByName(name)
			require.NoError(t, err)

			var buf bytes.Buffer
			w := NewWriter(&buf, codec)
			require.NoError(t, w.Write(sample("node01", 0.25)))
			require.NoError(t, w.Write(sample("node02", 0.75)))

			r := NewReader(&buf, codec, 0)
			first, err := r.Next()
			require.NoError(t, err)
			assert.Equal(t, sample("node01", 0.25), first)

			second, err := r.Next()
			require.NoError(t, err)
			assert.Equal(t, sample("node02", 0.75), second)

			_, err = r.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestCodecByNameUnknown(t *testing.T) {
	t.Parallel()

	_, err := CodecByName("pickle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown codec "pickle"`)
}

func TestReaderSkipsMalformedFrameAndContinues(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec()
	var stream []byte
	stream = AppendRaw(stream, []byte{0xff, 0x00, 0x13, 0x37})
	stream, err := AppendFrame(stream, codec, sample("after", 1))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(stream), codec, 1024)

	_, err = r.Next()
	require.ErrorIs(t, err, ErrMalformed)
	assert.True(t, Recoverable(err))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "after", m.Source)
}

func TestReaderDiscardsOversizedFrame(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec()
	var stream []byte
	stream = AppendRaw(stream, bytes.Repeat([]byte{'x'}, 200))
	stream, err := AppendFrame(stream, codec, sample("small", 1))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(stream), codec, 100)

	_, err = r.Next()
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, Recoverable(err))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "small", m.Source)
}

func TestReaderIgnoresEmptyFrames(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec()
	stream := AppendRaw(nil, nil)
	stream, err := AppendFrame(stream, codec, sample("x", 1))
	require.NoError(t, err)

	m, err := NewReader(bytes.NewReader(stream), codec, 0).Next()
	require.NoError(t, err)
	assert.Equal(t, "x", m.Source)
}

func TestReaderTruncatedFrame(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec()
	stream, err := AppendFrame(nil, codec, sample("x", 1))
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader(stream[:len(stream)-3]), codec, 0).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, Recoverable(err))
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	codec := DefaultCodec()
	payload, err := codec.Marshal(map[string]any{"v": 7, "src": "x"})
	require.NoError(t, err)

	_, err = Decode(codec, payload)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	codec, err := CodecByName(CodecJSON)
	require.NoError(t, err)

	m, err := Decode(codec, []byte(`{"v":1,"src":"n1","vals":{"a":1},"extra":"later"}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", m.Source)
	assert.Equal(t, map[string]float64{"a": 1}, m.Values)
	assert.True(t, m.SentAt.IsZero())
}
