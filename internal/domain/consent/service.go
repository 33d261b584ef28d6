package consent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ContentLabeler attaches security labels to a resource or bundle.
type ContentLabeler interface {
	Label(resource fhir.Resource) fhir.Resource
}

// Service answers consent decision queries end to end: discovery, decision
// processing and, for permitted queries that carry content, labeling and
// redaction of that content.
type Service struct {
	discovery *Discovery
	processor *Processor
	labeler   ContentLabeler
	logger    zerolog.Logger
}

// NewService creates a Service. labeler may be nil when no content is ever
// labeled before redaction.
func NewService(discovery *Discovery, processor *Processor, labeler ContentLabeler, logger zerolog.Logger) *Service {
	return &Service{discovery: discovery, processor: processor, labeler: labeler, logger: logger}
}

// Decide computes the decision for q. Only discovery failures are returned
// as errors; everything downstream degrades to NO_CONSENT.
func (s *Service) Decide(ctx context.Context, q Query) (DecisionEntry, error) {
	entries, err := s.discovery.FetchConsents(ctx, q)
	if err != nil {
		return DecisionEntry{}, err
	}

	d := s.processor.Process(ctx, entries, q)
	s.logger.Debug().
		Int("consents", len(entries)).
		Str("decision", d.Decision.String()).
		Str("based_on", d.BasedOn).
		Msg("consent decision")

	if q.Content != nil && d.Decision == ConsentPermit {
		content := q.Content
		if s.labeler != nil {
			content = s.labeler.Label(content)
		}
		d.Content = MaybeRedactBundle(d.Obligations, content)
	}
	return d, nil
}
