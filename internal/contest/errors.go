package contest

import "errors"

// Protocol violations. These are reported to the caller only and never
// change contest state.
var (
	ErrWrongPhase      = errors.New("action not allowed in current phase")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrNotParticipant  = errors.New("address is not a participant")
	ErrSideTaken       = errors.New("side already taken")
	ErrInvalidSide     = errors.New("invalid side")
	ErrAlreadyReleased = errors.New("charge already released")
	ErrMissingAddress  = errors.New("address required")
	ErrInvalidVariant  = errors.New("invalid variant")
	ErrContestNotFound = errors.New("contest not found")
)

// RejectionCode maps a protocol violation to the short code sent to clients.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrWrongPhase):
		return "wrong_phase"
	case errors.Is(err, ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrSideTaken):
		return "side_taken"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrMissingAddress):
		return "missing_address"
	case errors.Is(err, ErrInvalidVariant):
		return "invalid_variant"
	case errors.Is(err, ErrContestNotFound):
		return "contest_not_found"
	default:
		return "rejected"
	}
}
