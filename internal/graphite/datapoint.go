// Package graphite converts measurements to the carbon receiver wire
// formats and back.
package graphite

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tinytelemetry/relayd/internal/model"
)

// ErrUnsuitable reports a measurement that cannot be expressed as carbon
// datapoints. The forwarder logs and skips such measurements.
var ErrUnsuitable = errors.New("graphite: unsuitable measurement")

// Datapoint is one carbon sample.
type Datapoint struct {
	Path      string
	Timestamp int64
	Value     float64
}

// Datapoints expands m into one datapoint per value, sorted by path.
// Paths are [prefix.]source.metric.
func Datapoints(m model.Measurement, prefix string) ([]Datapoint, error) {
	source := sanitize(strings.ReplaceAll(m.Source, ".", "_"))
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrUnsuitable)
	}
	if len(m.Values) == 0 {
		return nil, fmt.Errorf("%w: %s has no values", ErrUnsuitable, m.Source)
	}
	if m.SentAt.IsZero() {
		return nil, fmt.Errorf("%w: %s has no timestamp", ErrUnsuitable, m.Source)
	}
	ts := m.SentAt.Unix()

	base := source
	if p := strings.Trim(sanitize(prefix), "."); p != "" {
		base = p + "." + source
	}

	points := make([]Datapoint, 0, len(m.Values))
	for name, v := range m.Values {
		metric := strings.Trim(sanitize(name), ".")
		if metric == "" {
			return nil, fmt.Errorf("%w: %s has an empty metric name", ErrUnsuitable, m.Source)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s.%s is not a finite number", ErrUnsuitable, m.Source, name)
		}
		points = append(points, Datapoint{Path: base + "." + metric, Timestamp: ts, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Path < points[j].Path })
	return points, nil
}

// GroupBySource reverses Datapoints: it strips prefix and splits each path
// into source and metric name.
func GroupBySource(points []Datapoint, prefix string) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	p := strings.Trim(sanitize(prefix), ".")
	for _, dp := range points {
		path := dp.Path
		if p != "" {
			path = strings.TrimPrefix(path, p+".")
		}
		source, metric, ok := strings.Cut(path, ".")
		if !ok {
			continue
		}
		if out[source] == nil {
			out[source] = make(map[string]float64)
		}
		out[source][metric] = dp.Value
	}
	return out
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
