package domain

// ConnectionState is the lifecycle of the single bus connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// CallState is the lifecycle of the single call session.
type CallState int

const (
	CallIdle CallState = iota
	CallRingingOutgoing
	CallRingingIncoming
	CallActive
	CallEnding
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRingingOutgoing:
		return "ringing_outgoing"
	case CallRingingIncoming:
		return "ringing_incoming"
	case CallActive:
		return "active"
	case CallEnding:
		return "ending"
	default:
		return "unknown"
	}
}

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)
