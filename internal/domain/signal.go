package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SignalKind tags a call-control message.
type SignalKind string

const (
	SignalInvite SignalKind = "invite"
	SignalAccept SignalKind = "accept"
	SignalReject SignalKind = "reject"
	SignalHangUp SignalKind = "hangup"
	SignalBusy   SignalKind = "busy"
)

// Signal is the only shape exchanged on /calls/{userId} and /app/call.
type Signal struct {
	Kind   SignalKind `json:"type" validate:"required,oneof=invite accept reject hangup busy"`
	CallID string     `json:"callId" validate:"required,max=64"`
	From   UserID     `json:"from" validate:"required,max=36"`
	To     UserID     `json:"to" validate:"required,max=36"`
	Media  string     `json:"media,omitempty" validate:"omitempty,oneof=audio video"`
}

func (s Signal) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrCallProtocolViolation, err)
	}
	return nil
}

// DecodeSignal parses and validates an inbound signaling body.
func DecodeSignal(raw []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrCallProtocolViolation, err)
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}
