package consent

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// maxConsentPages caps how many search pages are read per repository.
const maxConsentPages = 20

// ErrTooManyPages is returned when a consent search has more pages than the
// repository reads. A partial consent set could hide a newer deny.
var ErrTooManyPages = errors.New("consent search exceeds page limit")

// FHIRRepository reads patients, consents and actors over FHIR REST.
type FHIRRepository struct {
	client   *fhir.Client
	maxPages int
}

func NewFHIRRepository(client *fhir.Client) *FHIRRepository {
	return &FHIRRepository{client: client, maxPages: maxConsentPages}
}

func (r *FHIRRepository) FindPatientID(ctx context.Context, repositoryBase string, identifiers []fhir.Identifier) (string, error) {
	for _, id := range identifiers {
		params := url.Values{}
		params.Set("identifier", id.SearchToken())
		params.Set("_summary", "true")

		bundle, err := r.client.Search(ctx, repositoryBase, "Patient", params)
		if err != nil {
			return "", fmt.Errorf("search patient %s: %w", id.SearchToken(), err)
		}
		if len(bundle.Entry) == 0 {
			continue
		}
		patient, err := bundle.Entry[0].DecodeResource()
		if err != nil {
			return "", err
		}
		if pid := str(patient, "id"); pid != "" {
			return pid, nil
		}
	}
	return "", nil
}

// FindConsents returns every consent of the patient. Category is filtered
// by the processor because R4 servers index it as scope.
func (r *FHIRRepository) FindConsents(ctx context.Context, repositoryBase, patientID string, _ []fhir.Coding) ([]Entry, error) {
	params := url.Values{}
	params.Set("patient", fhir.FormatReference("Patient", patientID))

	bundle, err := r.client.Search(ctx, repositoryBase, "Consent", params)
	if err != nil {
		return nil, fmt.Errorf("search consents for patient %s: %w", patientID, err)
	}

	var entries []Entry
	for page := 0; bundle != nil; page++ {
		if page == r.maxPages {
			return nil, fmt.Errorf("%w: patient %s on %s has more than %d pages", ErrTooManyPages, patientID, repositoryBase, r.maxPages)
		}
		for _, be := range bundle.Entry {
			res, err := be.DecodeResource()
			if err != nil {
				return nil, err
			}
			if fhir.ResourceType(res) != "Consent" {
				continue
			}
			entries = append(entries, Entry{FullURL: be.FullURL, Resource: res})
		}
		if bundle, err = r.client.NextPage(ctx, repositoryBase, bundle); err != nil {
			return nil, fmt.Errorf("page consents for patient %s: %w", patientID, err)
		}
	}
	return entries, nil
}

// FetchIdentifiers reads an actor relative to the consent's repository.
// References to other hosts are refused.
func (r *FHIRRepository) FetchIdentifiers(ctx context.Context, repositoryBase, reference string) ([]fhir.Identifier, error) {
	res, err := r.client.Read(ctx, repositoryBase, reference)
	if err != nil {
		return nil, err
	}
	return fhir.IdentifiersFrom(res["identifier"]), nil
}
