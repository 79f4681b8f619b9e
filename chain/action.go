package chain

import "fmt"

// Action is the lifecycle event a TicketTransaction records. The set is
// closed: ParseAction and UnmarshalText reject anything else.
type Action string

const (
	ActionCreate   Action = "create"
	ActionTransfer Action = "transfer"
	ActionUse      Action = "use"
	ActionVerify   Action = "verify"
	ActionCancel   Action = "cancel"
)

// Actions lists every valid action in lifecycle order.
var Actions = []Action{ActionCreate, ActionTransfer, ActionUse, ActionVerify, ActionCancel}

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionTransfer, ActionUse, ActionVerify, ActionCancel:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// ParseAction converts s to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown ticket action %q", s)
	}
	return a, nil
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown ticket action %q", string(a))
	}
	return []byte(a), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
