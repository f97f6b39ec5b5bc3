package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server is the local control channel of a running relayd.
//
//   Method        Params              Result
//   ───────────   ─────────────────   ──────────────
//   Ping          (none)              PingResult
//   Status        (none)              relay.Stats
//   SetLogLevel   {Level: string}     string (new level)
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// PingResult identifies the daemon answering on the socket.
type PingResult struct {
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/relayd/relayd.sock, falling back to
// ~/.local/state/relayd/relayd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "relayd", "relayd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/relayd.sock"
	}
	return filepath.Join(home, ".local", "state", "relayd", "relayd.sock")
}
