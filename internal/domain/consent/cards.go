package consent

import (
	"github.com/google/uuid"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// Source identifies the organization issuing decision cards.
type Source struct {
	Name string
	URL  string
}

// CardExtension is the machine-readable decision attached to a card.
type CardExtension struct {
	Decision    Decision      `json:"decision"`
	Obligations []Obligation  `json:"obligations"`
	Content     fhir.Resource `json:"content,omitempty"`
}

var cardText = map[Decision]struct{ detail, indicator string }{
	NoConsent:     {"No applicable consent was found.", "warning"},
	ConsentPermit: {"There is a patient consent permitting this action.", "info"},
	ConsentDeny:   {"There is a patient consent denying this action.", "critical"},
}

// AsCard renders a decision as a CDS Hooks card.
func AsCard(d DecisionEntry, src Source) fhir.CDSCard {
	text, ok := cardText[d.Decision]
	if !ok {
		text = cardText[NoConsent]
	}
	obligations := d.Obligations
	if obligations == nil {
		obligations = []Obligation{}
	}
	return fhir.CDSCard{
		UUID:      uuid.NewString(),
		Summary:   d.Decision.String(),
		Detail:    text.detail,
		Indicator: text.indicator,
		Source:    fhir.CDSSource{Label: src.Name, URL: src.URL},
		Extension: CardExtension{
			Decision:    d.Decision,
			Obligations: obligations,
			Content:     d.Content,
		},
	}
}
