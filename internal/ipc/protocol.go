// Package ipc implements ixchel's daemon IPC server (spec.md §4.11, §6.3):
// a Unix-domain socket speaking line-delimited JSON, one request per line,
// one response per line, framed by "\n". Grounded on the teacher's
// internal/rpc package for Server struct shape (mutex-guarded state, an
// atomic last-activity clock, a connection counter, a shutdown channel).
// The version check is a plain integer equality test rather than the
// teacher's semver-based compatibility check, and the wire envelope follows spec.md §6.3's {id, version, repo_root,
// tool, command, payload} shape rather than the teacher's Operation/Args
// shape — a different protocol, not a port of the teacher's bead commands.
package ipc

import "encoding/json"

// ProtocolVersion is the wire version this server accepts. Requests with a
// different Version are rejected with IncompatibleVersion (spec.md §6.3).
const ProtocolVersion = 1

// Request is one line of client input, per spec.md §6.3.
type Request struct {
	ID       string          `json:"id"`
	Version  int             `json:"version"`
	RepoRoot string          `json:"repo_root"`
	Tool     string          `json:"tool"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ErrorCode enumerates spec.md §6.3's four IPC error codes.
type ErrorCode string

const (
	InvalidRequest      ErrorCode = "InvalidRequest"
	IncompatibleVersion ErrorCode = "IncompatibleVersion"
	Timeout             ErrorCode = "Timeout"
	InternalError       ErrorCode = "InternalError"
)

// Error is the error payload nested under Result.Error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Result is a Rust-style tagged union: exactly one of Ok or Error is set,
// matching spec.md §6.3's {"Ok": {...}} / {"Error": {"error": {...}}} shape.
type Result struct {
	Ok    json.RawMessage `json:"Ok,omitempty"`
	Error *errorEnvelope  `json:"Error,omitempty"`
}

type errorEnvelope struct {
	Error Error `json:"error"`
}

// Response is one line of server output, correlated to a Request by ID.
type Response struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

// ok builds a successful Response by marshaling payload into Result.Ok.
func ok(id string, payload any) Response {
	b, err := json.Marshal(payload)
	if err != nil {
		return fail(id, InternalError, err.Error())
	}
	return Response{ID: id, Result: Result{Ok: b}}
}

// fail builds an error Response.
func fail(id string, code ErrorCode, message string) Response {
	return Response{ID: id, Result: Result{Error: &errorEnvelope{Error{Code: code, Message: message}}}}
}

// Known command names (spec.md §6.3).
const (
	CmdPing        = "Ping"
	CmdEnqueueSync = "EnqueueSync"
	CmdWaitSync    = "WaitSync"
	CmdStatus      = "Status"
	CmdWatch       = "Watch"
	CmdUnwatch     = "Unwatch"
	CmdShutdown    = "Shutdown"
)

// Per-command payload shapes, spec.md §6.3.

type pingResult struct {
	DaemonVersion string `json:"daemon_version"`
}

type enqueueSyncPayload struct {
	Directory string `json:"directory"`
	Force     bool   `json:"force"`
}

type enqueueSyncResult struct {
	SyncID      string `json:"sync_id"`
	QueuedAtMs  int64  `json:"queued_at_ms"`
}

type waitSyncPayload struct {
	SyncID    string `json:"sync_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type syncStats struct {
	Scanned    int `json:"scanned"`
	Added      int `json:"added"`
	Modified   int `json:"modified"`
	Reembedded int `json:"reembedded"`
	Deleted    int `json:"deleted"`
	Renamed    int `json:"renamed"`
	Unchanged  int `json:"unchanged"`
}

type waitSyncResult struct {
	SyncID string     `json:"sync_id"`
	State  string     `json:"state"`
	Stats  *syncStats `json:"stats,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type queueStatus struct {
	RepoRoot string `json:"repo_root"`
	Tool     string `json:"tool"`
	Pending  int    `json:"pending"`
	Active   bool   `json:"active"`
}

type statusResult struct {
	Queues        []queueStatus `json:"queues"`
	UptimeMs      int64         `json:"uptime_ms"`
	DaemonVersion string        `json:"daemon_version"`
	StoreSizeBytes int64        `json:"store_size_bytes,omitempty"`
	Humanized     string        `json:"uptime_human,omitempty"`
}

type watchPayload struct {
	RepoRoot string `json:"repo_root"`
}

type watchResult struct {
	RepoRoot string `json:"repo_root"`
	Started  bool   `json:"started"`
}

type unwatchResult struct {
	RepoRoot string `json:"repo_root"`
	Stopped  bool   `json:"stopped"`
}

type shutdownPayload struct {
	Reason string `json:"reason"`
}

type shutdownResult struct{}
