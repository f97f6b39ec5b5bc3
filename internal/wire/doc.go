// Package wire implements the agent to relay wire format.
//
// A stream is a sequence of frames. Each frame is a 4-byte big-endian
// payload length followed by the payload. The payload is a versioned
// envelope encoded with one of the registered codecs:
//
//	{ "v": 1, "src": <string>, "ts": <unix nanos>, "vals": {<metric>: <float>} }
//
// Decoders ignore unknown fields. Adding a field never changes the meaning
// of an existing one; an incompatible change bumps "v".
package wire
