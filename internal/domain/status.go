package domain

type SessionStatus string

const (
	StatusOpen            SessionStatus = "open"
	StatusCheckoutPending SessionStatus = "checkout_pending"
	StatusPaid            SessionStatus = "paid"
	StatusAbandoned       SessionStatus = "abandoned"
)

func (s SessionStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusAbandoned
}

// String representation (for logging)
func (s SessionStatus) String() string {
	return string(s)
}

// Phase is the position of a cart session in the scan/weigh protocol.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseAwaitingWeight        Phase = "awaiting_weight"
	PhaseAwaitingRemovalWeight Phase = "awaiting_removal_weight"
	PhaseStable                Phase = "stable"
	PhaseCheckoutPending       Phase = "checkout_pending"
	PhaseClosed                Phase = "closed"
)

// Quiescent reports whether no weight reading is outstanding and the cart
// still accepts scans and removals.
func (p Phase) Quiescent() bool {
	return p == PhaseIdle || p == PhaseStable
}

func (p Phase) AwaitingWeight() bool {
	return p == PhaseAwaitingWeight || p == PhaseAwaitingRemovalWeight
}

func (p Phase) String() string {
	return string(p)
}

// SettledPhase is the quiescent phase for a cart with the given number of lines.
func SettledPhase(lines int) Phase {
	if lines == 0 {
		return PhaseIdle
	}
	return PhaseStable
}
