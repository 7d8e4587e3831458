package domain

import "errors"

// Failure taxonomy shared by the bus and the call machine. Callers match
// with errors.Is; producers wrap with fmt.Errorf("...: %w", Err...).
var (
	ErrTransport             = errors.New("transport error")
	ErrSubscribeFailure      = errors.New("subscribe failure")
	ErrPublishFailure        = errors.New("publish failure")
	ErrCallProtocolViolation = errors.New("call protocol violation")
	ErrMediaAcquisition      = errors.New("media acquisition failure")

	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSuperseded         = errors.New("superseded")
	ErrQueueOverflow      = errors.New("publish queue overflow")
	ErrCanceled           = errors.New("canceled")
	ErrCallBusy           = errors.New("call already in progress")
	ErrClosed             = errors.New("closed")
)
