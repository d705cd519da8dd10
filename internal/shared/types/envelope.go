package types

import "github.com/bytedance/sonic"

// MessageType identifies the kind of envelope on the wire
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
	MessageAuth     MessageType = "auth"
	MessagePing     MessageType = "ping"
	MessagePong     MessageType = "pong"
	MessageWelcome  MessageType = "welcome"
	MessageEvent    MessageType = "event"
)

// Envelope is the unit exchanged over the bridge protocol.
// ID correlates a response with its request and carries no ordering meaning.
type Envelope struct {
	Type     MessageType            `json:"type"`
	ID       string                 `json:"id"`
	Protocol string                 `json:"protocol,omitempty"`
	Method   string                 `json:"method,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Result   interface{}            `json:"result,omitempty"`
	Error    *Error                 `json:"error,omitempty"`
	AppID    string                 `json:"appId,omitempty"`
}

// NewResponse wraps a handler result for the request with the given id
func NewResponse(id string, result interface{}) *Envelope {
	return &Envelope{Type: MessageResponse, ID: id, Result: result}
}

// NewErrorEnvelope wraps an error for the request with the given id
func NewErrorEnvelope(id string, err error) *Envelope {
	return &Envelope{Type: MessageError, ID: id, Error: AsError(err)}
}

// DecodeEnvelope parses a raw frame into an envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, NewError(CodeValidation, "malformed envelope: "+err.Error())
	}
	return &env, nil
}

// Validate checks the fields every envelope must carry
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return NewError(CodeValidation, "envelope type is required")
	}
	if e.ID == "" {
		return NewError(CodeValidation, "envelope id is required")
	}
	return nil
}
