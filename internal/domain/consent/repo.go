package consent

import (
	"context"
	"time"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ConsentRepository finds patients and their consents in one repository.
type ConsentRepository interface {
	// FindPatientID returns the repository-local id of the first patient
	// matching any of the identifiers, or "" when none match.
	FindPatientID(ctx context.Context, repositoryBase string, identifiers []fhir.Identifier) (string, error)
	FindConsents(ctx context.Context, repositoryBase, patientID string, category []fhir.Coding) ([]Entry, error)
}

// IdentityRepository resolves a reference to the identifiers of the
// resource it points at.
type IdentityRepository interface {
	FetchIdentifiers(ctx context.Context, repositoryBase, reference string) ([]fhir.Identifier, error)
}

// AuditSink records a decision. Implementations must be safe for concurrent use.
type AuditSink interface {
	RecordAudit(ctx context.Context, decision DecisionEntry, q Query) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(ctx context.Context, decision DecisionEntry, q Query) error

func (f AuditSinkFunc) RecordAudit(ctx context.Context, decision DecisionEntry, q Query) error {
	return f(ctx, decision, q)
}

// Observer receives decision metrics.
type Observer interface {
	ObserveDecision(decision string)
	ObserveEvaluationFailure()
	ObserveAuditFailure()
	ObserveDiscovery(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string)    {}
func (nopObserver) ObserveEvaluationFailure() {}
func (nopObserver) ObserveAuditFailure()      {}

func (nopObserver) ObserveDiscovery(time.Duration, error) {}
