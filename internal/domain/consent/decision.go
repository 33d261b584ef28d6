package consent

// Decision is the outcome of evaluating a patient's consents for a query.
type Decision string

const (
	NoConsent     Decision = "NO_CONSENT"
	ConsentPermit Decision = "CONSENT_PERMIT"
	ConsentDeny   Decision = "CONSENT_DENY"
)

// Flip swaps permit and deny. Anything else becomes NoConsent.
func (d Decision) Flip() Decision {
	switch d {
	case ConsentPermit:
		return ConsentDeny
	case ConsentDeny:
		return ConsentPermit
	default:
		return NoConsent
	}
}

// Valid reports whether d is one of the three known decisions.
func (d Decision) Valid() bool {
	switch d {
	case NoConsent, ConsentPermit, ConsentDeny:
		return true
	}
	return false
}

// Applicable reports whether d came from an applicable consent.
func (d Decision) Applicable() bool {
	return d == ConsentPermit || d == ConsentDeny
}

func (d Decision) String() string {
	return string(d)
}

// decisionFromType maps a provision or consent decision type to a Decision.
func decisionFromType(t string) Decision {
	switch t {
	case ProvisionPermit:
		return ConsentPermit
	case ProvisionDeny:
		return ConsentDeny
	default:
		return NoConsent
	}
}
