package consent

import (
	"encoding/json"
	"errors"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

type parameterKind int

const (
	paramCodes parameterKind = iota + 1
	paramExceptAnyOfCodes
)

// Obligation is an action the requester must carry out when acting on a
// decision. Its parameters hold exactly one of two code lists:
//
//   - codes: resources carrying any of these labels (or of these resource
//     types) must be redacted;
//   - exceptAnyOfCodes: resources carrying none of these labels must be
//     redacted.
//
// The zero value is not a valid obligation; use the constructors.
type Obligation struct {
	ID    fhir.Coding
	kind  parameterKind
	codes []fhir.Coding
}

// NewCodesObligation builds an obligation whose parameters list codes.
func NewCodesObligation(id fhir.Coding, codes []fhir.Coding) Obligation {
	return Obligation{ID: id, kind: paramCodes, codes: fhir.RemoveRedundantCodes(codes)}
}

// NewExceptAnyOfCodesObligation builds an obligation whose parameters list
// exceptAnyOfCodes.
func NewExceptAnyOfCodesObligation(id fhir.Coding, codes []fhir.Coding) Obligation {
	return Obligation{ID: id, kind: paramExceptAnyOfCodes, codes: fhir.RemoveRedundantCodes(codes)}
}

// Codes returns the codes parameter, or nil for an exceptAnyOfCodes obligation.
func (o Obligation) Codes() []fhir.Coding {
	if o.kind != paramCodes {
		return nil
	}
	return o.codes
}

// ExceptAnyOfCodes returns the exceptAnyOfCodes parameter, or nil for a codes
// obligation.
func (o Obligation) ExceptAnyOfCodes() []fhir.Coding {
	if o.kind != paramExceptAnyOfCodes {
		return nil
	}
	return o.codes
}

// IsExcept reports whether the obligation carries exceptAnyOfCodes.
func (o Obligation) IsExcept() bool {
	return o.kind == paramExceptAnyOfCodes
}

// IsRedact reports whether the obligation is a redaction obligation.
func (o Obligation) IsRedact() bool {
	return fhir.CodeEquals(o.ID, RedactObligationID)
}

// ParameterName returns the wire name of the populated parameter.
func (o Obligation) ParameterName() string {
	if o.kind == paramExceptAnyOfCodes {
		return "exceptAnyOfCodes"
	}
	return "codes"
}

// ParameterCodes returns whichever code list is populated.
func (o Obligation) ParameterCodes() []fhir.Coding {
	return o.codes
}

type obligationWire struct {
	ID         fhir.Coding              `json:"id"`
	Parameters map[string][]fhir.Coding `json:"parameters"`
}

func (o Obligation) MarshalJSON() ([]byte, error) {
	codes := o.codes
	if codes == nil {
		codes = []fhir.Coding{}
	}
	return json.Marshal(obligationWire{
		ID:         o.ID,
		Parameters: map[string][]fhir.Coding{o.ParameterName(): codes},
	})
}

func (o *Obligation) UnmarshalJSON(data []byte) error {
	var wire obligationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	codes, hasCodes := wire.Parameters["codes"]
	except, hasExcept := wire.Parameters["exceptAnyOfCodes"]
	switch {
	case hasCodes && hasExcept:
		return errors.New("obligation parameters carry both codes and exceptAnyOfCodes")
	case hasCodes:
		*o = NewCodesObligation(wire.ID, codes)
	case hasExcept:
		*o = NewExceptAnyOfCodesObligation(wire.ID, except)
	default:
		return errors.New("obligation parameters carry neither codes nor exceptAnyOfCodes")
	}
	return nil
}

// CombineObligations merges obligations that share an id. Codes and
// exceptAnyOfCodes are unioned separately; a merged group is emitted in codes
// form when it has any codes and in exceptAnyOfCodes form otherwise. Groups
// keep the order in which their id was first seen.
func CombineObligations(obligations []Obligation) []Obligation {
	type group struct {
		id     fhir.Coding
		codes  []fhir.Coding
		except []fhir.Coding
	}

	var order []string
	groups := make(map[string]*group)
	for _, o := range obligations {
		key := o.ID.ShortHand()
		g, ok := groups[key]
		if !ok {
			g = &group{id: o.ID}
			groups[key] = g
			order = append(order, key)
		}
		if o.IsExcept() {
			g.except = fhir.CodesUnion(g.except, o.codes)
		} else {
			g.codes = fhir.CodesUnion(g.codes, o.codes)
		}
	}

	out := make([]Obligation, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if len(g.codes) > 0 {
			out = append(out, NewCodesObligation(g.id, g.codes))
		} else {
			out = append(out, NewExceptAnyOfCodesObligation(g.id, g.except))
		}
	}
	return out
}

// RedactedContentClasses returns the codes of redaction obligations that
// name a content class rather than a security label.
func RedactedContentClasses(obligations []Obligation) []fhir.Coding {
	var out []fhir.Coding
	for _, o := range obligations {
		if !o.IsRedact() {
			continue
		}
		for _, c := range o.Codes() {
			if isContentClassSystem(c.System) {
				out = append(out, c)
			}
		}
	}
	return out
}

// AdjustDecision turns a decision into CONSENT_DENY when the content class
// the query asks for would be redacted in its entirety.
func AdjustDecision(q Query, decision Decision, obligations []Obligation) (Decision, []Obligation) {
	redacted := RedactedContentClasses(obligations)
	if len(fhir.CodesIntersection(q.Class, redacted)) > 0 {
		return ConsentDeny, []Obligation{}
	}
	return decision, obligations
}
