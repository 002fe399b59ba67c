package network

import (
	"encoding/json"
	"fmt"
	"time"

	"relaychat/models"
)

const (
	// MaxFrameSize is the maximum accepted relay frame size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds the WebSocket dial and handshake.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for a pong after a ping.
	DefaultKeepAliveTimeout = 15 * time.Second
)

// Relay methods.
const (
	MethodRegister        = "REGISTER"
	MethodGetPubkey       = "GET_PUBKEY"
	MethodSendMessage     = "SEND_MESSAGE"
	MethodAppendKeyOnline = "APPEND_KEY_ONLINE"
	MethodCountMessages   = "COUNT_MESSAGES"
	MethodGetMessages     = "GET_MESSAGES"
	MethodNewMessage      = "NEW_MSG"
	MethodNewMessages     = "NEW_MSGS"
)

// RequestID correlates a request with its response. Zero means unset.
type RequestID uint64

// Request is one outgoing relay frame.
type Request struct {
	ID     RequestID `json:"id"`
	Method string    `json:"method"`
	Params any       `json:"params"`
}

// Response is one incoming relay frame: a reply to a request, an error, or
// an unsolicited push.
type Response struct {
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method"`
	Address string          `json:"address,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// IsError reports whether the relay rejected the request.
func (r Response) IsError() bool {
	return r.Error != ""
}

// RegisterParams announces an address and its RSA public key.
type RegisterParams struct {
	Address   string `json:"address"`
	RSAPubkey string `json:"rsa_pubkey"`
	Pubkey    string `json:"pubkey"`
	Sign      string `json:"sign"`
	Fee       uint64 `json:"fee"`
}

// GetPubkeyParams asks for the RSA public key of an address.
type GetPubkeyParams struct {
	Address string `json:"address"`
	Pubkey  string `json:"pubkey"`
	Sign    string `json:"sign"`
}

// SendMessageParams delivers an encrypted payload to a recipient.
type SendMessageParams struct {
	To        string `json:"to"`
	Data      string `json:"data"`
	Pubkey    string `json:"pubkey"`
	Sign      string `json:"sign"`
	Fee       uint64 `json:"fee"`
	Timestamp int64  `json:"timestamp"`
}

// AppendKeyOnlineParams subscribes the signing key's address to pushes.
type AppendKeyOnlineParams struct {
	Pubkey string `json:"pubkey"`
	Sign   string `json:"sign"`
}

// CountMessagesParams asks for the relay's message count of an address.
type CountMessagesParams struct {
	Address string `json:"address"`
}

// GetMessagesParams fetches counters [From, To) of an address.
type GetMessagesParams struct {
	Address string         `json:"address"`
	Pubkey  string         `json:"pubkey"`
	Sign    string         `json:"sign"`
	From    models.Counter `json:"from"`
	To      models.Counter `json:"to"`
}

// PubkeyResult answers GET_PUBKEY.
type PubkeyResult struct {
	Address string `json:"address"`
	Pubkey  string `json:"pubkey"`
}

// RegisterResult answers REGISTER.
type RegisterResult struct {
	IsNew bool `json:"is_new"`
}

// CountResult answers COUNT_MESSAGES.
type CountResult struct {
	Count models.Counter `json:"count"`
}

// WireMessage is one relay message as carried by pushes and GET_MESSAGES.
type WireMessage struct {
	Collocutor string         `json:"collocutor"`
	Data       string         `json:"data"`
	Timestamp  int64          `json:"timestamp"`
	Counter    models.Counter `json:"counter"`
	IsInput    bool           `json:"is_input"`
}

// MessagesResult answers GET_MESSAGES and carries NEW_MSGS pushes.
type MessagesResult struct {
	Messages []WireMessage `json:"messages"`
}

// ToMessage converts a relay message into a confirmed log entry of owner.
func (w WireMessage) ToMessage(owner string) models.Message {
	return models.Message{
		Owner:       owner,
		Collocutor:  w.Collocutor,
		Payload:     w.Data,
		Timestamp:   w.Timestamp,
		Counter:     w.Counter,
		IsInput:     w.IsInput,
		IsConfirmed: true,
		IsEncrypted: true,
		Hash:        models.ContentHash(w.Data),
	}
}

// EncodeRequest marshals a request frame.
func EncodeRequest(id RequestID, method string, params any) ([]byte, error) {
	payload, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	return payload, nil
}

// DecodeResponse parses one incoming frame and validates its method.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, &ProtocolError{Kind: ErrMalformedPayload, Detail: err.Error()}
	}
	if resp.Method == "" {
		return Response{}, &ProtocolError{Kind: ErrMalformedPayload, ID: resp.ID, Detail: "missing method"}
	}
	if !knownMethod(resp.Method) {
		return Response{}, &ProtocolError{Kind: ErrUnknownMethod, ID: resp.ID, Method: resp.Method}
	}
	return resp, nil
}

// DecodeResult unmarshals a response result into out.
func DecodeResult(resp Response, out any) error {
	if len(resp.Result) == 0 {
		return &ProtocolError{Kind: ErrMalformedPayload, ID: resp.ID, Method: resp.Method, Address: resp.Address, Detail: "missing result"}
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &ProtocolError{Kind: ErrMalformedPayload, ID: resp.ID, Method: resp.Method, Address: resp.Address, Detail: err.Error()}
	}
	return nil
}

// DecodeMessages extracts the message batch of a NEW_MSG, NEW_MSGS or
// GET_MESSAGES frame as log entries of the response address.
func DecodeMessages(resp Response) ([]models.Message, error) {
	var wire []WireMessage
	if resp.Method == MethodNewMessage {
		var single WireMessage
		if err := DecodeResult(resp, &single); err != nil {
			return nil, err
		}
		wire = []WireMessage{single}
	} else {
		var batch MessagesResult
		if err := DecodeResult(resp, &batch); err != nil {
			return nil, err
		}
		wire = batch.Messages
	}

	messages := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		if w.Counter == 0 {
			return nil, &ProtocolError{Kind: ErrMalformedPayload, Method: resp.Method, Address: resp.Address, Detail: "message without counter"}
		}
		messages = append(messages, w.ToMessage(resp.Address))
	}
	return messages, nil
}

func knownMethod(method string) bool {
	switch method {
	case MethodRegister, MethodGetPubkey, MethodSendMessage, MethodAppendKeyOnline,
		MethodCountMessages, MethodGetMessages, MethodNewMessage, MethodNewMessages:
		return true
	default:
		return false
	}
}
