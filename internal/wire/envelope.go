// internal/wire/envelope.go
// Package wire defines the duplex-channel envelope shared by internal/hub
// (Controller side) and internal/client (Agent side). Every method call in
// either direction is carried as one Envelope over a gorilla/websocket
// connection; there is no RPC-style request/response framing at this layer
// (see Method docs below for which calls are fire-and-forget versus
// correlated by an application-level token or request ID).
//
// A gRPC bidirectional stream with protoc-generated message types would be
// the natural fit for this kind of duplex call, but no protoc toolchain was
// available to generate the message types here, so this package uses JSON
// frames over gorilla/websocket instead.
package wire

import "encoding/json"

// Method names are the wire contract; they must not be renamed without a
// protocol version bump.
const (
	// Server (Controller) -> Client (Agent)
	MethodChallenge                   = "challenge"
	MethodRequestFileInfo             = "request_file_info"
	MethodRequestFileUpload           = "request_file_upload"
	MethodNotifyFileDownloadCompleted = "notify_file_download_completed"
	MethodFault                       = "fault" // server->client notice sent just before closing the session

	// Client (Agent) -> Server (Controller)
	MethodLogin                   = "login"
	MethodBeginShareUpload        = "begin_share_upload"
	MethodBeginShareUploadResult  = "begin_share_upload_result" // reply to BeginShareUpload, correlated by ID
	MethodReturnFileInfo          = "return_file_info"
	MethodNotifyFileUploadFailed  = "notify_file_upload_failed"
)

// Envelope is the single message type that crosses the duplex channel.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`

	// ID correlates a BeginShareUpload call with its
	// begin_share_upload_result reply. Every other method is a one-way
	// invocation; correlation for those happens at the application layer via
	// the token embedded in Params (see internal/hub's outstandingRequests).
	ID string `json:"id,omitempty"`

	// TraceID, if non-empty, is the hex-encoded OpenTelemetry trace ID of the
	// span that originated this call, carried as plain data and annotated
	// out-of-band rather than wired through full OTEL context propagation.
	TraceID string `json:"trace_id,omitempty"`
}

// Encode marshals a typed payload into an Envelope with the given method.
func Encode(method string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Method: method, Params: raw}, nil
}

// Decode unmarshals an Envelope's Params into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, dst)
}

// Payload types for each method -------------------------------------------

type ChallengeParams struct {
	Challenge string `json:"challenge"`
}

type LoginParams struct {
	AgentName  string `json:"agent_name"`
	Credential string `json:"credential"`
}

type BeginShareUploadResult struct {
	Token string `json:"token"`
}

type ReturnFileInfoParams struct {
	Token  string `json:"token"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

type RequestFileInfoParams struct {
	Filename string `json:"filename"`
	Token    string `json:"token"`
}

type RequestFileUploadParams struct {
	Filename    string `json:"filename"`
	StartOffset int64  `json:"start_offset"`
	Token       string `json:"token"`
}

type NotifyFileUploadFailedParams struct {
	Token string `json:"token"`
}

type NotifyFileDownloadCompletedParams struct {
	Filename string `json:"filename"`
	Token    string `json:"token"`
}

type FaultParams struct {
	Reason string `json:"reason"`
}
