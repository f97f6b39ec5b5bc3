package model

import "time"

// Shared defaults used by the daemon, the push helper and tests.
const (
	DefaultBindHost      = "127.0.0.1"
	DefaultDataPort      = 7999
	DefaultAPIPort       = 7998
	DefaultSinkHost      = "127.0.0.1"
	DefaultSinkPort      = 2004 // carbon pickle receiver
	DefaultChunkSize     = 64 * 1024
	DefaultReadTimeout   = 5 * time.Minute
	DefaultRetryInterval = time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)
