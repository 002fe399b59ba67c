package network

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload indicates an inbound frame that could not be parsed.
	ErrMalformedPayload = errors.New("network: malformed payload")
	// ErrUnknownMethod indicates a frame with an unrecognized method.
	ErrUnknownMethod = errors.New("network: unknown method")
	// ErrDuplicateID indicates a request id that is already pending.
	ErrDuplicateID = errors.New("network: duplicate request id")
	// ErrUnknownRequestID indicates a response with no pending request.
	ErrUnknownRequestID = errors.New("network: unknown request id")
	// ErrEmptyBatch indicates a message batch with no messages.
	ErrEmptyBatch = errors.New("network: empty message batch")
	// ErrRelay indicates an error response from the relay.
	ErrRelay = errors.New("network: relay error")
	// ErrDisconnected indicates the transport dropped before a response arrived.
	ErrDisconnected = errors.New("network: disconnected")
	// ErrNotConnected indicates a send with no live relay connection.
	ErrNotConnected = errors.New("network: not connected")
)

// ProtocolError describes a wire or correlation failure. Kind is one of the
// sentinels above and is what errors.Is matches.
type ProtocolError struct {
	Kind    error
	ID      RequestID
	Method  string
	Address string
	Detail  string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	var fields []string
	if e.ID != 0 {
		fields = append(fields, fmt.Sprintf("id=%d", e.ID))
	}
	if e.Method != "" {
		fields = append(fields, "method="+e.Method)
	}
	if e.Address != "" {
		fields = append(fields, "address="+e.Address)
	}
	if len(fields) > 0 {
		b.WriteString(" (" + strings.Join(fields, " ") + ")")
	}
	if e.Detail != "" {
		b.WriteString(": " + e.Detail)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Kind
}

// RelayError builds the error delivered to a completion for a relay error response.
func RelayError(resp Response) error {
	return &ProtocolError{Kind: ErrRelay, ID: resp.ID, Method: resp.Method, Address: resp.Address, Detail: resp.Error}
}
