// Package message defines the envelope exchanged between an orchestrator and its workers.
//
// A Message is a closed tagged variant with one arm per Kind. Only the fields that belong to
// the message's Kind are meaningful; Validate rejects anything else. The flat layout mirrors
// the wire shape so both codecs can encode it without an intermediate form:
//
//	Event:    {kind, id, event, args, callbacks}
//	Response: {kind, id, results, errors}
//	Proxy:    {kind, id, side, message}
package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind selects the arm of the Message variant.
type Kind byte

const (
	KindEvent    Kind = 0 // Call request, answered by exactly one Response
	KindResponse Kind = 1 // Aggregated listener results for one Event
	KindProxy    Kind = 2 // Nested message addressed to a callback sub-handler
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindResponse:
		return "response"
	case KindProxy:
		return "proxy"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Side picks the sub-handler table a Proxy is routed to on the receiving engine.
type Side byte

const (
	// ToCallee is sent by a caller's callback sub-handler. The receiver looks the id up
	// in the table of peers it created while handling the Event.
	ToCallee Side = 0
	// ToCaller is sent by a callee's peer sub-handler. The receiver looks the id up in
	// its pending calls.
	ToCaller Side = 1
)

// Value is one argument or result.
//
//   - Binary=false: Data holds codec-encoded bytes (JSON).
//   - Binary=true:  Data is an opaque buffer handed over as-is, never re-encoded.
//
// A nil Data with Binary=false is the placeholder left where a callback argument was.
type Value struct {
	Binary bool   `json:"bin,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Message carries one protocol message.
type Message struct {
	Kind Kind   `json:"kind"`
	ID   uint32 `json:"id"`

	// Event
	Event     string  `json:"event,omitempty"`
	Args      []Value `json:"args,omitempty"`
	Callbacks []int   `json:"callbacks,omitempty"` // Indices of args that were callbacks

	// Response
	Results []Value  `json:"results,omitempty"`
	Errors  []string `json:"errors,omitempty"`

	// Proxy
	Side    Side     `json:"side,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// NewEvent builds an Event message.
func NewEvent(id uint32, event string, args []Value, callbacks []int) *Message {
	return &Message{Kind: KindEvent, ID: id, Event: event, Args: args, Callbacks: callbacks}
}

// NewResponse builds a Response message.
func NewResponse(id uint32, results []Value, errs []string) *Message {
	return &Message{Kind: KindResponse, ID: id, Results: results, Errors: errs}
}

// NewProxy wraps nested for delivery to the sub-handler registered under id.
func NewProxy(id uint32, side Side, nested *Message) *Message {
	return &Message{Kind: KindProxy, ID: id, Side: side, Message: nested}
}

// Validate checks that only the fields of the message's own arm are set.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindEvent:
		if m.Event == "" {
			return errors.Errorf("event %d: empty event name", m.ID)
		}
		if m.Results != nil || m.Errors != nil || m.Message != nil {
			return errors.Errorf("event %d: carries fields of another kind", m.ID)
		}
		for _, idx := range m.Callbacks {
			if idx < 0 || idx >= len(m.Args) {
				return errors.Errorf("event %d: callback index %d out of range", m.ID, idx)
			}
		}
	case KindResponse:
		if m.Event != "" || m.Args != nil || m.Callbacks != nil || m.Message != nil {
			return errors.Errorf("response %d: carries fields of another kind", m.ID)
		}
	case KindProxy:
		if m.Message == nil {
			return errors.Errorf("proxy %d: missing nested message", m.ID)
		}
		if m.Side != ToCallee && m.Side != ToCaller {
			return errors.Errorf("proxy %d: unknown side %d", m.ID, m.Side)
		}
		return m.Message.Validate()
	default:
		return errors.Errorf("message %d: unknown kind %d", m.ID, m.Kind)
	}
	return nil
}
