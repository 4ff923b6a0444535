package worker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RPC verbs understood by the worker.
const (
	VerbCreateSession  = "createSession"
	VerbDestroySession = "destroySession"
	VerbNavigate       = "navigate"
	VerbGetState       = "getState"
	VerbGoBack         = "goBack"
	VerbGoForward      = "goForward"
	VerbRefresh        = "refresh"
	VerbClick          = "click"
	VerbType           = "type"
	VerbSelect         = "select"
	VerbExtract        = "extract"
	VerbScreenshot     = "screenshot"
	VerbSolveCaptcha   = "solveCaptcha"
)

// Inbound envelope types that are not verb responses.
const (
	typeError     = "error"
	typeConnected = "connected"
)

// requestEnvelope is one outbound RPC message. Every request carries a
// fresh correlation id; the worker echoes it back on the response.
type requestEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// responseEnvelope is one inbound message. Responses carry the matching
// requestId; unsolicited notifications carry none.
type responseEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// newRequestID returns a correlation id unique for the lifetime of the
// connection.
func newRequestID() string {
	return uuid.NewString()
}

// WorkerError is an application-level error reported by the worker in an
// error envelope.
type WorkerError struct {
	Verb    string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error on %s: %s", e.Verb, e.Message)
}
