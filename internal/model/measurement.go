package model

import "time"

// Measurement is one unit of telemetry pushed by an agent.
// Values is the payload body: metric name to numeric value.
type Measurement struct {
	Source string             `json:"source"`
	SentAt time.Time          `json:"sent_at"`
	Values map[string]float64 `json:"values"`
}

// ReceivedMeasurement is a decoded Measurement tagged with where and when the
// relay received it. It is the unit stored in the relay queue.
type ReceivedMeasurement struct {
	Measurement
	Peer       string    `json:"peer"`
	ReceivedAt time.Time `json:"received_at"`

	// Seq is the journal sequence number, zero when the queue is not journaled.
	Seq uint64 `json:"-"`
}

// Clone returns a deep copy so queued items never share a Values map with
// the caller.
func (m Measurement) Clone() Measurement {
	out := m
	if m.Values != nil {
		out.Values = make(map[string]float64, len(m.Values))
		for k, v := range m.Values {
			out.Values[k] = v
		}
	}
	return out
}
