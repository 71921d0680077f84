package core

// Frame is a raw encoded event.
type Frame []byte

// SessionID identifies one live transport connection.
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks; a full buffer is reported as an error.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
