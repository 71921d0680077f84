package domain

type CallState string

const (
	CallIdle     CallState = "idle"
	CallRinging  CallState = "ringing"
	CallActive   CallState = "active"
	CallEnded    CallState = "ended"
	CallRejected CallState = "rejected"
	CallTimedOut CallState = "timed-out"
	CallFailed   CallState = "failed"
)

func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallTimedOut, CallFailed:
		return true
	}
	return false
}

// SignalKind names a WebRTC negotiation payload. Payloads themselves are opaque.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// Reasons attached to callEnded / callRejected.
const (
	EndReasonHangup       = "hangup"
	EndReasonCancelled    = "cancelled"
	EndReasonTimeout      = "timeout"
	EndReasonDisconnected = "disconnected"
)
