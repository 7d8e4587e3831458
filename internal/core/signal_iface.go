package core

// SignalConnection abstracts one broker-side client socket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(data []byte) error
	Close()
}
