package consent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ProvisionResult is the outcome of evaluating a single provision.
type ProvisionResult struct {
	Matched     bool
	Obligations []Obligation
}

// RepositoryBase returns the portion of a consent's full URL that precedes
// the "Consent" path segment.
func RepositoryBase(fullURL string) string {
	i := strings.Index(fullURL, "Consent")
	if i < 0 {
		return ""
	}
	return fullURL[:i]
}

// EvaluateProvision checks whether a provision applies to the query and
// derives its redaction obligations. Nested provisions are not visited.
// Failures to resolve actor references are returned as errors.
func EvaluateProvision(ctx context.Context, ids IdentityRepository, p *Provision, q Query, fullURL string, base Decision) (ProvisionResult, error) {
	if p == nil {
		return ProvisionResult{}, nil
	}

	if !matchPurpose(p, q) || !matchClass(p, q) {
		return ProvisionResult{}, nil
	}

	actorOK, err := matchActor(ctx, ids, p, q, RepositoryBase(fullURL))
	if err != nil {
		return ProvisionResult{}, err
	}
	if !actorOK {
		return ProvisionResult{}, nil
	}

	return ProvisionResult{Matched: true, Obligations: provisionObligations(p, base)}, nil
}

func matchPurpose(p *Provision, q Query) bool {
	if p == nil || len(p.Purpose) == 0 || len(q.PurposeOfUse) == 0 {
		return true
	}
	return len(fhir.CodesIntersection(p.Purpose, q.PurposeCodings())) > 0
}

func matchClass(p *Provision, q Query) bool {
	if len(p.Class) == 0 || len(q.Class) == 0 {
		return true
	}
	return len(fhir.CodesIntersection(p.Class, q.Class)) > 0
}

// matchActor resolves every actor reference concurrently and intersects the
// resulting identifiers with the query actors.
func matchActor(ctx context.Context, ids IdentityRepository, p *Provision, q Query, repositoryBase string) (bool, error) {
	if len(p.Actors) == 0 {
		return true, nil
	}
	if len(q.Actor) == 0 {
		return false, nil
	}

	results := make([][]fhir.Identifier, len(p.Actors))
	errs := make([]error, len(p.Actors))
	var wg sync.WaitGroup
	for i, actor := range p.Actors {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			if ref == "" {
				return
			}
			results[i], errs[i] = ids.FetchIdentifiers(ctx, repositoryBase, ref)
		}(i, actor.Reference)
	}
	wg.Wait()

	var all []fhir.Identifier
	for i := range results {
		if errs[i] != nil {
			return false, fmt.Errorf("resolve actor %s: %w", p.Actors[i].Reference, errs[i])
		}
		all = append(all, results[i]...)
	}
	return len(fhir.IdentifiersIntersection(all, q.Actor)) > 0, nil
}

// provisionObligations derives the redaction obligation of a matched
// provision from its labels, classes and codes.
func provisionObligations(p *Provision, base Decision) []Obligation {
	var all []fhir.Coding
	all = append(all, p.SecurityLabel...)
	all = append(all, p.Class...)
	all = append(all, p.Code...)

	codes := make([]fhir.Coding, 0, len(all))
	for _, c := range all {
		if strings.TrimSpace(c.Code) != "" {
			codes = append(codes, c)
		}
	}
	codes = fhir.RemoveRedundantCodes(codes)
	if len(codes) == 0 {
		return nil
	}

	switch base {
	case ConsentPermit:
		return []Obligation{NewExceptAnyOfCodesObligation(RedactObligationID, codes)}
	case ConsentDeny:
		return []Obligation{NewCodesObligation(RedactObligationID, codes)}
	default:
		return nil
	}
}
