package labeling

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// BundleSecurityLabelHook is the id and hook name of the labeling CDS service.
const BundleSecurityLabelHook = "bundle-security-label"

// Handler exposes the labeler over HTTP.
type Handler struct {
	labeler *Labeler
}

func NewHandler(labeler *Labeler) *Handler {
	return &Handler{labeler: labeler}
}

// RegisterRoutes registers the security labeling service endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/sls", h.Label, mw...)
}

// RegisterHooks registers the bundle-security-label CDS service.
func (h *Handler) RegisterHooks(hooks *fhir.CDSHooksHandler) {
	hooks.RegisterService(fhir.CDSService{
		Hook:        BundleSecurityLabelHook,
		ID:          BundleSecurityLabelHook,
		Title:       "Bundle Security Labeling",
		Description: "Labels the resources of a bundle with sensitivity and confidentiality security labels.",
	}, h.HandleBundleHook)
}

// Label handles POST /sls. The body is a Bundle or a single resource.
func (h *Handler) Label(c echo.Context) error {
	var resource fhir.Resource
	if err := json.NewDecoder(c.Request().Body).Decode(&resource); err != nil {
		return fhir.WriteServiceError(c, fhir.BadRequest("Invalid request: %v", err))
	}
	if err := validateResource(resource); err != nil {
		return fhir.WriteServiceError(c, err)
	}
	return c.JSON(http.StatusOK, h.labeler.Label(resource))
}

type bundleHookContext struct {
	Bundle fhir.Resource `json:"bundle"`
}

// HandleBundleHook labels context.bundle and returns an update system action
// for every resource whose labels changed.
func (h *Handler) HandleBundleHook(_ context.Context, req fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	var hookCtx bundleHookContext
	if err := json.Unmarshal(req.Context, &hookCtx); err != nil {
		return nil, fhir.BadRequest("Invalid request: %v", err)
	}
	if hookCtx.Bundle == nil || !fhir.IsBundle(hookCtx.Bundle) {
		return nil, fhir.BadRequest("Invalid request: context.bundle must be a Bundle")
	}

	changed := h.labeler.LabelBundleDiff(hookCtx.Bundle)
	actions := make([]fhir.CDSAction, 0, len(changed))
	for _, res := range changed {
		actions = append(actions, fhir.CDSAction{
			Type:        "update",
			Description: "labeled resource",
			Resource:    res,
		})
	}
	return &fhir.CDSHookResponse{Cards: []fhir.CDSCard{}, SystemActions: actions}, nil
}

func validateResource(resource fhir.Resource) *fhir.ServiceError {
	if resource == nil || fhir.ResourceType(resource) == "" {
		return fhir.BadRequest("Invalid request: resourceType is required")
	}
	if fhir.IsBundle(resource) {
		if _, ok := resource["entry"].([]interface{}); !ok {
			return fhir.BadRequest("Invalid request: bundle entry must be an array")
		}
	}
	return nil
}
