package broker

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a session whose send buffer is full.
type Policy interface {
	OnBackPressure(topic string, sid SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(string, SessionID) BackpressureAction {
	return KickMember
}
