package negotiation

import "errors"

type State int32

const (
	StateIdle State = iota
	StateOfferPending
	StateAnswerPending
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer_pending"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("negotiation: invalid state")
	ErrClosed       = errors.New("negotiation: controller closed")
)
