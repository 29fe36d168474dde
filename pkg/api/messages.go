package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ─── Requests ──────────────────────────────────────────────────────────────────

// Call is one incoming request frame. A frame either invokes Method with Args or,
// when Cancel is set, cancels the active call with the same ID.
type Call struct {
	Method string            `json:"method,omitempty"`
	ID     int64             `json:"id"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Cancel bool              `json:"cancel,omitempty"`
}

// CancelCall is the control frame a caller sends to tear down an active call.
type CancelCall struct {
	ID     int64 `json:"id"`
	Cancel bool  `json:"cancel"`
}

// rawCall keeps the id optional so uncorrelated frames can be told apart from id 0.
type rawCall struct {
	Method string            `json:"method"`
	ID     *int64            `json:"id"`
	Args   []json.RawMessage `json:"args"`
	Cancel bool              `json:"cancel"`
}

// DecodeCall parses a request frame. ErrMalformedFrame is returned when the frame
// cannot be correlated to a call id at all.
func DecodeCall(frame []byte) (*Call, error) {
	var raw rawCall
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.ID == nil {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	call := &Call{
		Method: raw.Method,
		ID:     *raw.ID,
		Args:   raw.Args,
		Cancel: raw.Cancel,
	}
	if !call.Cancel && call.Method == "" {
		return call, NewCallError(call.ID, CodeBadRequest, errors.New("missing method"))
	}
	return call, nil
}

// ─── Responses ─────────────────────────────────────────────────────────────────

// ItemEnvelope carries one item produced by the call's sequence.
type ItemEnvelope struct {
	ID   int64 `json:"id"`
	Item any   `json:"item"`
}

// DoneEnvelope terminates a call that completed, or that the caller cancelled.
type DoneEnvelope struct {
	ID        int64 `json:"id"`
	Done      bool  `json:"done"`
	Cancelled bool  `json:"cancelled,omitempty"`
}

// ErrorEnvelope terminates a call that failed.
type ErrorEnvelope struct {
	ID    int64     `json:"id"`
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}

// Response is the union of all envelopes, used by clients to decode what the server sent.
type Response struct {
	ID        int64           `json:"id"`
	Item      json.RawMessage `json:"item,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
}

// IsTerminal reports whether no further envelope follows for this id.
func (r *Response) IsTerminal() bool {
	return r.Done || r.Error != "" || r.Code != ""
}

// Err converts an error envelope back into a *CallError.
func (r *Response) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	return NewCallError(r.ID, r.Code, errors.New(r.Error))
}

func NewItem(id int64, item any) *ItemEnvelope {
	return &ItemEnvelope{ID: id, Item: item}
}

func NewDone(id int64) *DoneEnvelope {
	return &DoneEnvelope{ID: id, Done: true}
}

func NewCancelled(id int64) *DoneEnvelope {
	return &DoneEnvelope{ID: id, Done: true, Cancelled: true}
}

// NewError builds the terminal error envelope for err. Errors that are not a
// *CallError are reported with the fallback code.
func NewError(id int64, fallback ErrorCode, err error) *ErrorEnvelope {
	code := fallback
	var callErr *CallError
	if errors.As(err, &callErr) {
		code = callErr.Code
	}
	return &ErrorEnvelope{ID: id, Error: err.Error(), Code: code}
}
