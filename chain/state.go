package chain

import (
	"errors"
	"fmt"
)

// State is a ticket's lifecycle position as the ledger sees it. The
// ticket database record is tracked separately.
type State string

const (
	// StateUnknown means the ledger has no history for the ticket,
	// which is the case for tickets issued before the ledger existed.
	StateUnknown   State = "unknown"
	StateCreated   State = "created"
	StateUsed      State = "used"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further state change is allowed.
func (s State) Terminal() bool {
	return s == StateUsed || s == StateCancelled
}

var ErrInvalidTransition = errors.New("invalid ticket state transition")

// NextState applies action to s. Verify never changes state. A ticket
// unknown to the ledger accepts any action so legacy history can be
// backfilled.
func NextState(s State, action Action) (State, error) {
	if action == ActionVerify {
		return s, nil
	}

	switch s {
	case StateUnknown:
		switch action {
		case ActionCreate, ActionTransfer:
			return StateCreated, nil
		case ActionUse:
			return StateUsed, nil
		case ActionCancel:
			return StateCancelled, nil
		}
	case StateCreated:
		switch action {
		case ActionTransfer:
			return StateCreated, nil
		case ActionUse:
			return StateUsed, nil
		case ActionCancel:
			return StateCancelled, nil
		case ActionCreate:
			return s, fmt.Errorf("%w: ticket already created", ErrInvalidTransition)
		}
	case StateUsed, StateCancelled:
		switch action {
		case ActionCreate, ActionTransfer, ActionUse, ActionCancel:
			return s, fmt.Errorf("%w: ticket is %s", ErrInvalidTransition, s)
		}
	default:
		return s, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, string(s))
	}
	return s, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, string(action))
}

// ReplayState folds txs in order into a State. Transactions that would
// be illegal from the running state are skipped, since mined history
// cannot be rewritten.
func ReplayState(txs []TicketTransaction) State {
	state := StateUnknown
	for _, tx := range txs {
		next, err := NextState(state, tx.Action)
		if err != nil {
			continue
		}
		state = next
	}
	return state
}
