package core

import (
	"context"
	"encoding/json"
)

// Command names a frame kind on the bus wire.
type Command string

const (
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdSend        Command = "SEND"
	CmdMessage     Command = "MESSAGE"
	CmdError       Command = "ERROR"
)

// Frame is one text frame of the pub/sub protocol.
// Subscription carries the physical subscription id on SUBSCRIBE,
// UNSUBSCRIBE, MESSAGE and subscription-scoped ERROR frames.
type Frame struct {
	Command      Command         `json:"command"`
	Destination  string          `json:"destination,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Transport is the single physical connection. Owned by whoever dialed it.
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a Transport. onFrame is called from one goroutine in
// arrival order. onClose is called exactly once when the connection ends,
// with a nil error if Close was called locally.
type Dialer interface {
	Dial(ctx context.Context, onFrame func(Frame), onClose func(error)) (Transport, error)
}
