package consent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

const defaultAuditTimeout = 10 * time.Second

// Processor turns a patient's consents into a single decision.
type Processor struct {
	identities   IdentityRepository
	audit        AuditSink
	observer     Observer
	logger       zerolog.Logger
	now          func() time.Time
	auditTimeout time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithClock overrides the clock used to check consent periods.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithObserver reports decisions and failures to o.
func WithObserver(o Observer) ProcessorOption {
	return func(p *Processor) { p.observer = o }
}

// WithAuditTimeout bounds each audit write.
func WithAuditTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.auditTimeout = d }
}

// NewProcessor creates a Processor. audit may be nil to disable auditing.
func NewProcessor(identities IdentityRepository, audit AuditSink, logger zerolog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		identities:   identities,
		audit:        audit,
		observer:     nopObserver{},
		logger:       logger,
		now:          time.Now,
		auditTimeout: defaultAuditTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process evaluates every applicable consent concurrently and returns the
// decision of the most recent one. When none applies the decision is
// NO_CONSENT dated at the epoch. The decision is audited asynchronously.
func (p *Processor) Process(ctx context.Context, entries []Entry, q Query) DecisionEntry {
	now := p.now()

	var candidates []Record
	for _, e := range entries {
		rec, err := ParseRecord(e)
		if err != nil {
			p.observer.ObserveEvaluationFailure()
			p.logger.Warn().Err(err).Str("consent", e.FullURL).Msg("skipping malformed consent")
			continue
		}
		if p.applicable(rec, q, now) {
			candidates = append(candidates, rec)
		}
	}

	results := make([]DecisionEntry, len(candidates))
	var wg sync.WaitGroup
	for i, rec := range candidates {
		wg.Add(1)
		go func(i int, rec Record) {
			defer wg.Done()
			results[i] = p.evaluateConsent(ctx, rec, q)
		}(i, rec)
	}
	wg.Wait()

	best := noConsentEntry()
	found := false
	for _, r := range results {
		if !r.Decision.Applicable() {
			continue
		}
		// Ties go to the consent seen last.
		if !found || !r.DateTime.Before(best.DateTime) {
			best = r
			found = true
		}
	}

	p.observer.ObserveDecision(best.Decision.String())
	p.recordAudit(ctx, best, q)
	return best
}

// applicable filters consents by status, period, category and root purpose.
func (p *Processor) applicable(rec Record, q Query, now time.Time) bool {
	if rec.Status != StatusActive {
		return false
	}
	if !rec.Period.Contains(now) {
		return false
	}
	if len(q.Category) > 0 && len(fhir.CodesIntersection(rec.Categories, q.Category)) == 0 {
		return false
	}
	return matchPurpose(rec.Root, q)
}

func (p *Processor) evaluateConsent(ctx context.Context, rec Record, q Query) DecisionEntry {
	entry := DecisionEntry{
		DateTime:  rec.DateTime,
		BasedOn:   rec.FullURL,
		ID:        fhir.FormatReference("Consent", rec.ID),
		PatientID: rec.PatientReference,
	}

	decision, obligations, err := p.consentDecision(ctx, rec, q)
	if err != nil {
		p.observer.ObserveEvaluationFailure()
		p.logger.Warn().Err(err).Str("consent", rec.FullURL).Msg("consent evaluation failed")
		entry.Decision = NoConsent
		entry.Obligations = []Obligation{}
		return entry
	}
	entry.Decision = decision
	entry.Obligations = obligations
	return entry
}

// consentDecision evaluates the immediate child provisions of a consent
// concurrently. A matched child without obligations reverses the consent's
// base decision; obligations survive only on a permit.
func (p *Processor) consentDecision(ctx context.Context, rec Record, q Query) (Decision, []Obligation, error) {
	base := rec.BaseDecision
	var children []*Provision
	if rec.Root != nil {
		children = rec.Root.Children
	}

	results := make([]ProvisionResult, len(children))
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		go func(i int, child *Provision) {
			defer wg.Done()
			results[i], errs[i] = EvaluateProvision(ctx, p.identities, child, q, rec.FullURL, base)
		}(i, child)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return NoConsent, nil, err
		}
	}

	flip := false
	var obligations []Obligation
	for _, r := range results {
		if !r.Matched {
			continue
		}
		if len(r.Obligations) == 0 {
			flip = true
		}
		obligations = append(obligations, r.Obligations...)
	}

	decision := base
	if flip {
		decision = base.Flip()
	}
	if decision != ConsentPermit {
		return decision, []Obligation{}, nil
	}

	decision, obligations = AdjustDecision(q, decision, CombineObligations(obligations))
	return decision, obligations, nil
}

// recordAudit writes the decision to the audit sink without blocking the
// caller. Failures are logged and never reach the decision path.
func (p *Processor) recordAudit(ctx context.Context, d DecisionEntry, q Query) {
	if p.audit == nil {
		return
	}
	q.Content = nil
	d.Content = nil
	go func() {
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.auditTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.observer.ObserveAuditFailure()
				p.logger.Warn().Interface("panic", r).Msg("audit sink panicked")
			}
		}()
		if err := p.audit.RecordAudit(auditCtx, d, q); err != nil {
			p.observer.ObserveAuditFailure()
			p.logger.Warn().Err(err).Str("decision", d.Decision.String()).Msg("failed to record audit")
		}
	}()
}
