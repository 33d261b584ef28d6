package consent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// PatientConsentConsultHook is the id and hook name of the decision CDS service.
const PatientConsentConsultHook = "patient-consent-consult"

// Handler exposes consent decisions over CDS Hooks and XACML.
type Handler struct {
	svc    *Service
	source Source
}

func NewHandler(svc *Service, source Source) *Handler {
	return &Handler{svc: svc, source: source}
}

// RegisterRoutes registers the XACML decision endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/xacml", h.XACML, mw...)
}

// RegisterHooks registers the patient-consent-consult CDS service.
func (h *Handler) RegisterHooks(hooks *fhir.CDSHooksHandler) {
	hooks.RegisterService(fhir.CDSService{
		Hook:        PatientConsentConsultHook,
		ID:          PatientConsentConsultHook,
		Title:       "Patient Consent Consult",
		Description: "Decides whether a patient's consents permit an action and returns the applicable obligations.",
	}, h.HandleConsentHook)
}

type consentHookContext struct {
	PatientID    []fhir.Identifier `json:"patientId"`
	Category     []fhir.Coding     `json:"category"`
	PurposeOfUse []string          `json:"purposeOfUse"`
	Actor        []fhir.Identifier `json:"actor"`
	Class        []fhir.Coding     `json:"class"`
	Content      fhir.Resource     `json:"content"`
}

func (c consentHookContext) validate() error {
	if len(c.PatientID) == 0 {
		return fhir.BadRequest("Invalid request: context.patientId is required")
	}
	for i, id := range c.PatientID {
		if strings.TrimSpace(id.Value) == "" {
			return fhir.BadRequest("Invalid request: context.patientId[%d].value is required", i)
		}
	}
	for i, id := range c.Actor {
		if strings.TrimSpace(id.Value) == "" {
			return fhir.BadRequest("Invalid request: context.actor[%d].value is required", i)
		}
	}
	for i, p := range c.PurposeOfUse {
		if strings.TrimSpace(p) == "" {
			return fhir.BadRequest("Invalid request: context.purposeOfUse[%d] is empty", i)
		}
	}
	if c.Content != nil && !fhir.IsBundle(c.Content) {
		return fhir.BadRequest("Invalid request: context.content must be a Bundle")
	}
	return nil
}

func (c consentHookContext) query() Query {
	return Query{
		PatientIdentifiers: c.PatientID,
		Category:           c.Category,
		PurposeOfUse:       c.PurposeOfUse,
		Actor:              c.Actor,
		Class:              c.Class,
		Content:            c.Content,
	}
}

// HandleConsentHook answers a patient-consent-consult hook with one card.
func (h *Handler) HandleConsentHook(ctx context.Context, req fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	var hookCtx consentHookContext
	if err := json.Unmarshal(req.Context, &hookCtx); err != nil {
		return nil, fhir.BadRequest("Invalid request: %v", err)
	}
	if err := hookCtx.validate(); err != nil {
		return nil, err
	}

	d, err := h.svc.Decide(ctx, hookCtx.query())
	if err != nil {
		return nil, err
	}
	return &fhir.CDSHookResponse{Cards: []fhir.CDSCard{AsCard(d, h.source)}}, nil
}

// XACML handles POST /xacml.
func (h *Handler) XACML(c echo.Context) error {
	var req XACMLRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return fhir.WriteServiceError(c, fhir.BadRequest("Invalid request: %v", err))
	}
	q, err := req.Query()
	if err != nil {
		return fhir.WriteServiceError(c, fhir.AsServiceError(err))
	}

	d, err := h.svc.Decide(c.Request().Context(), q)
	if err != nil {
		return fhir.WriteServiceError(c, fhir.AsServiceError(err))
	}
	return c.JSON(http.StatusOK, AsXACMLResponse(d))
}
