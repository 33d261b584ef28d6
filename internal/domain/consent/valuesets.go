package consent

import "github.com/ehr/consent-engine/internal/platform/fhir"

// Provision and consent decision types.
const (
	ProvisionPermit = "permit"
	ProvisionDeny   = "deny"
)

// StatusActive is the only consent status considered during evaluation.
const StatusActive = "active"

// ConsentScopeSystem is the R4 consent scope code system.
const ConsentScopeSystem = "http://terminology.hl7.org/CodeSystem/consentscope"

// ConsentContentClassSystem is the value set of content classes a consent
// provision may restrict.
const ConsentContentClassSystem = "http://hl7.org/fhir/ValueSet/consent-content-class"

var (
	ScopePatientPrivacy   = fhir.Coding{System: ConsentScopeSystem, Code: "patient-privacy"}
	ScopeAdvanceDirective = fhir.Coding{System: ConsentScopeSystem, Code: "adr"}
	ScopeResearch         = fhir.Coding{System: ConsentScopeSystem, Code: "research"}
	ScopeTreatment        = fhir.Coding{System: ConsentScopeSystem, Code: "treatment"}
)

// Policy rules used by consents that predate explicit provision types.
var (
	PolicyOptIn  = fhir.Coding{System: fhir.ActCodeSystem, Code: "OPTIN"}
	PolicyOptOut = fhir.Coding{System: fhir.ActCodeSystem, Code: "OPTOUT"}
)

// RedactObligationID identifies the redaction obligation.
var RedactObligationID = fhir.Coding{System: fhir.ActCodeSystem, Code: "REDACT"}

// ContentClassSystems are the code systems whose codes name a class of
// content rather than a security label.
var ContentClassSystems = []string{
	fhir.ResourceTypeSystem,
	fhir.LOINCSystem,
	ConsentContentClassSystem,
}

func isContentClassSystem(system string) bool {
	for _, s := range ContentClassSystems {
		if s == system {
			return true
		}
	}
	return false
}
