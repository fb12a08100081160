package billing

// Outcome is the result of one confirmation attempt for a gateway payment.
type Outcome int

const (
	// OutcomeNotYet means the payment is still open; try again later.
	OutcomeNotYet Outcome = iota
	// OutcomeConfirmed means this call provisioned and finalized the payment.
	OutcomeConfirmed
	// OutcomeAlreadyProcessed means an earlier call finalized it.
	OutcomeAlreadyProcessed
	// OutcomeFailed means the payment was marked failed and is a dead end.
	OutcomeFailed
	// OutcomeCanceled means the gateway canceled the payment; it is now failed.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotYet:
		return "not_yet"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// Terminal reports whether polling should stop.
func (o Outcome) Terminal() bool {
	return o != OutcomeNotYet
}
