package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// CDS Hooks 2.0 types
// ---------------------------------------------------------------------------

// CDSService describes a single CDS service returned in discovery.
type CDSService struct {
	Hook        string            `json:"hook"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	ID          string            `json:"id"`
	Prefetch    map[string]string `json:"prefetch,omitempty"`
}

// CDSHookRequest is the payload POSTed to invoke a hook. The context is kept
// raw so that each service decodes it into its own shape.
type CDSHookRequest struct {
	Hook         string          `json:"hook"`
	HookInstance string          `json:"hookInstance"`
	FHIRServer   string          `json:"fhirServer,omitempty"`
	Context      json.RawMessage `json:"context"`
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID      string      `json:"uuid,omitempty"`
	Summary   string      `json:"summary"`
	Detail    string      `json:"detail,omitempty"`
	Indicator string      `json:"indicator"`
	Source    CDSSource   `json:"source"`
	Extension interface{} `json:"extension,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// CDSAction is an individual action within a suggestion or a system action.
type CDSAction struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Resource    interface{} `json:"resource,omitempty"`
}

// CDSHookResponse is returned from hook invocation.
type CDSHookResponse struct {
	Cards         []CDSCard   `json:"cards"`
	SystemActions []CDSAction `json:"systemActions,omitempty"`
}

// ---------------------------------------------------------------------------
// Wire errors
// ---------------------------------------------------------------------------

// Error kinds reported to clients.
const (
	ErrKindBadRequest         = "bad_request"
	ErrKindNotFound           = "not_found"
	ErrKindUnauthorized       = "unauthorized"
	ErrKindServiceUnavailable = "service_unavailable"
	ErrKindInternal           = "internal_error"
)

// ServiceError is the error body returned by the decision and labeling
// endpoints.
type ServiceError struct {
	HTTPCode int    `json:"-"`
	Kind     string `json:"error"`
	Message  string `json:"errorMessage"`
}

func (e *ServiceError) Error() string {
	return e.Kind + ": " + e.Message
}

func BadRequest(format string, args ...interface{}) *ServiceError {
	return &ServiceError{HTTPCode: http.StatusBadRequest, Kind: ErrKindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func ServiceUnavailable(message string) *ServiceError {
	return &ServiceError{HTTPCode: http.StatusServiceUnavailable, Kind: ErrKindServiceUnavailable, Message: message}
}

func InternalError(message string) *ServiceError {
	return &ServiceError{HTTPCode: http.StatusInternalServerError, Kind: ErrKindInternal, Message: message}
}

// AsServiceError converts any error into a ServiceError. Errors that are not
// already a ServiceError are reported as internal errors.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return InternalError(err.Error())
}

// ---------------------------------------------------------------------------
// CDSHooksHandler
// ---------------------------------------------------------------------------

// ServiceHandler processes a CDS hook request and returns the hook response.
type ServiceHandler func(ctx context.Context, req CDSHookRequest) (*CDSHookResponse, error)

// CDSHooksHandler implements the HL7 CDS Hooks 2.0 REST API.
type CDSHooksHandler struct {
	services map[string]CDSService
	handlers map[string]ServiceHandler
	order    []string
}

// NewCDSHooksHandler creates a new CDSHooksHandler.
func NewCDSHooksHandler() *CDSHooksHandler {
	return &CDSHooksHandler{
		services: make(map[string]CDSService),
		handlers: make(map[string]ServiceHandler),
	}
}

// RegisterService registers a CDS service and its handler.
func (h *CDSHooksHandler) RegisterService(svc CDSService, handler ServiceHandler) {
	if _, exists := h.services[svc.ID]; !exists {
		h.order = append(h.order, svc.ID)
	}
	h.services[svc.ID] = svc
	h.handlers[svc.ID] = handler
}

// RegisterRoutes registers CDS Hooks routes. Middleware passed in applies to
// hook invocation only; discovery stays public.
func (h *CDSHooksHandler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.GET("/cds-services", h.Discovery)
	e.POST("/cds-services/:id", h.HandleHook, mw...)
}

// Discovery handles GET /cds-services — returns all registered services.
func (h *CDSHooksHandler) Discovery(c echo.Context) error {
	services := make([]CDSService, 0, len(h.order))
	for _, id := range h.order {
		if svc, ok := h.services[id]; ok {
			services = append(services, svc)
		}
	}
	return c.JSON(http.StatusOK, map[string][]CDSService{
		"services": services,
	})
}

// HandleHook handles POST /cds-services/:id — invokes a CDS hook.
func (h *CDSHooksHandler) HandleHook(c echo.Context) error {
	serviceID := c.Param("id")

	svc, ok := h.services[serviceID]
	if !ok {
		return WriteServiceError(c, &ServiceError{
			HTTPCode: http.StatusNotFound,
			Kind:     ErrKindNotFound,
			Message:  "CDS service " + serviceID + " not found",
		})
	}

	var req CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return WriteServiceError(c, BadRequest("invalid request body: %v", err))
	}

	if req.Hook != svc.Hook {
		return WriteServiceError(c, BadRequest("hook mismatch: request hook %q does not match service hook %q", req.Hook, svc.Hook))
	}

	if req.HookInstance == "" {
		return WriteServiceError(c, BadRequest("hookInstance is required"))
	}

	if len(req.Context) == 0 || string(req.Context) == "null" {
		return WriteServiceError(c, BadRequest("context is required"))
	}

	resp, err := h.handlers[serviceID](c.Request().Context(), req)
	if err != nil {
		return WriteServiceError(c, AsServiceError(err))
	}

	return c.JSON(http.StatusOK, resp)
}

// WriteServiceError writes err as the response body with its HTTP status.
// Server-side failures are recorded on the context for the request logger.
func WriteServiceError(c echo.Context, err *ServiceError) error {
	if werr := c.JSON(err.HTTPCode, err); werr != nil {
		return werr
	}
	if err.HTTPCode >= http.StatusInternalServerError {
		c.Set("service_error", err.Error())
	}
	return nil
}
