package graphite

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	pickle "github.com/kisielk/og-rek"

	"github.com/tinytelemetry/relayd/internal/model"
)

// Sink protocol names accepted by NewEncoder.
const (
	ProtocolPickle    = "pickle"
	ProtocolPlaintext = "plaintext"
)

// maxPickleFrame mirrors carbon's default MAX_PICKLE_SIZE guard.
const maxPickleFrame = 1 << 20

// Encoder converts a measurement into bytes ready to write to a carbon
// receiver.
type Encoder interface {
	Name() string
	Encode(m model.Measurement) ([]byte, error)
}

// NewEncoder returns the encoder for protocol.
func NewEncoder(protocol, prefix string) (Encoder, error) {
	switch protocol {
	case ProtocolPickle, "":
		return PickleEncoder{Prefix: prefix}, nil
	case ProtocolPlaintext:
		return PlaintextEncoder{Prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("graphite: unknown protocol %q", protocol)
	}
}

// PlaintextEncoder writes the carbon line protocol: "path value timestamp\n".
type PlaintextEncoder struct {
	Prefix string
}

func (PlaintextEncoder) Name() string { return ProtocolPlaintext }

func (e PlaintextEncoder) Encode(m model.Measurement) ([]byte, error) {
	points, err := Datapoints(m, e.Prefix)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	for _, dp := range points {
		b.WriteString(dp.Path)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(dp.Value, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(dp.Timestamp, 10))
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// PickleEncoder writes the carbon pickle protocol: a 4-byte big-endian length
// followed by a pickled list of (path, (timestamp, value)) tuples.
type PickleEncoder struct {
	Prefix string
}

func (PickleEncoder) Name() string { return ProtocolPickle }

func (e PickleEncoder) Encode(m model.Measurement) ([]byte, error) {
	points, err := Datapoints(m, e.Prefix)
	if err != nil {
		return nil, err
	}
	batch := make([]interface{}, 0, len(points))
	for _, dp := range points {
		batch = append(batch, pickle.Tuple{dp.Path, pickle.Tuple{dp.Timestamp, dp.Value}})
	}

	var payload bytes.Buffer
	if err := pickle.NewEncoder(&payload).Encode(batch); err != nil {
		return nil, fmt.Errorf("graphite: pickle: %w", err)
	}
	out := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(out, uint32(payload.Len()))
	return append(out, payload.Bytes()...), nil
}

// ParsePlaintext reads line-protocol datapoints until EOF.
func ParsePlaintext(r io.Reader) ([]Datapoint, error) {
	var points []Datapoint
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return points, fmt.Errorf("graphite: bad line %q", line)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return points, fmt.Errorf("graphite: bad value in %q: %w", line, err)
		}
		ts, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return points, fmt.Errorf("graphite: bad timestamp in %q: %w", line, err)
		}
		points = append(points, Datapoint{Path: fields[0], Timestamp: ts, Value: v})
	}
	return points, scanner.Err()
}

// ReadPickleFrame reads one pickle-protocol frame. It returns io.EOF when r
// is exhausted at a frame boundary.
func ReadPickleFrame(r io.Reader) ([]Datapoint, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxPickleFrame {
		return nil, fmt.Errorf("graphite: pickle frame of %d bytes exceeds %d", n, maxPickleFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	v, err := pickle.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("graphite: unpickle: %w", err)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("graphite: pickle payload is %T, want list", v)
	}

	points := make([]Datapoint, 0, len(list))
	for _, item := range list {
		outer, ok := item.(pickle.Tuple)
		if !ok || len(outer) != 2 {
			return nil, fmt.Errorf("graphite: bad datapoint %v", item)
		}
		inner, ok := outer[1].(pickle.Tuple)
		if !ok || len(inner) != 2 {
			return nil, fmt.Errorf("graphite: bad datapoint %v", item)
		}
		path, ok := asString(outer[0])
		if !ok {
			return nil, fmt.Errorf("graphite: bad path %v", outer[0])
		}
		ts, ok := asFloat(inner[0])
		if !ok {
			return nil, fmt.Errorf("graphite: bad timestamp %v", inner[0])
		}
		val, ok := asFloat(inner[1])
		if !ok {
			return nil, fmt.Errorf("graphite: bad value %v", inner[1])
		}
		points = append(points, Datapoint{Path: path, Timestamp: int64(ts), Value: val})
	}
	return points, nil
}

func asString(v interface{}) (string, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.String {
		return "", false
	}
	return rv.String(), true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
