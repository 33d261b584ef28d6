package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ErrServiceUnavailable is returned when any consent repository cannot be
// reached during discovery.
var ErrServiceUnavailable = fhir.ServiceUnavailable("Error connecting to one of the consent services.")

// Discovery gathers a patient's consents from every configured repository.
type Discovery struct {
	repo     ConsentRepository
	servers  []string
	observer Observer
	logger   zerolog.Logger
}

func NewDiscovery(repo ConsentRepository, servers []string, observer Observer, logger zerolog.Logger) *Discovery {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Discovery{repo: repo, servers: servers, observer: observer, logger: logger}
}

// FetchConsents queries all repositories in parallel. Repositories where the
// patient is unknown contribute nothing. Any failure aborts the whole
// discovery with ErrServiceUnavailable.
func (d *Discovery) FetchConsents(ctx context.Context, q Query) ([]Entry, error) {
	start := time.Now()
	results := make([][]Entry, len(d.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, base := range d.servers {
		i, base := i, base
		g.Go(func() error {
			patientID, err := d.repo.FindPatientID(gctx, base, q.PatientIdentifiers)
			if err != nil {
				return fmt.Errorf("%s: %w", base, err)
			}
			if patientID == "" {
				return nil
			}
			entries, err := d.repo.FindConsents(gctx, base, patientID, q.Category)
			if err != nil {
				return fmt.Errorf("%s: %w", base, err)
			}
			results[i] = entries
			return nil
		})
	}

	err := g.Wait()
	d.observer.ObserveDiscovery(time.Since(start), err)
	if err != nil {
		d.logger.Warn().Err(err).Msg("consent discovery failed")
		return nil, fmt.Errorf("%w (%v)", ErrServiceUnavailable, err)
	}

	var all []Entry
	for _, entries := range results {
		all = append(all, entries...)
	}
	return all, nil
}
