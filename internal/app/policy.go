package app

type BackpressureAction int

const (
	// MarkSlow keeps the connection; the frame is lost.
	MarkSlow BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(conn *Connection, drops int) BackpressureAction
}

// SimplePolicy kicks on the first drop.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Connection, int) BackpressureAction {
	return KickMember
}

// ThresholdPolicy tolerates MaxDrops consecutive drops before kicking.
type ThresholdPolicy struct {
	MaxDrops int
}

func (p ThresholdPolicy) OnBackPressure(_ *Connection, drops int) BackpressureAction {
	if drops > p.MaxDrops {
		return KickMember
	}
	return MarkSlow
}
