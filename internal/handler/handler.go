// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Shivanand-hulikatti/registration-engine/internal/identity"
	"github.com/Shivanand-hulikatti/registration-engine/internal/model"
	"github.com/Shivanand-hulikatti/registration-engine/internal/service"
)

// RegistrationHandler holds all HTTP handlers for the registration API.
type RegistrationHandler struct {
	svc      *service.RegistrationService
	validate *validator.Validate
}

// NewRegistrationHandler constructs a RegistrationHandler.
func NewRegistrationHandler(svc *service.RegistrationService) *RegistrationHandler {
	return &RegistrationHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts every API route on r.
func (h *RegistrationHandler) Routes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Get("/{id}/registrations", h.ListRegistrations)
		r.Post("/{id}/register", h.Register)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/confirm", h.Confirm)
	})
	r.Post("/tickets/{ref}/check-in", h.CheckIn)
	r.Route("/discounts", func(r chi.Router) {
		r.Post("/", h.CreateDiscount)
		r.Get("/{code}/validate", h.ValidateDiscount)
	})
	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/profile", h.UserSummary)
		r.Get("/notifications", h.Notifications)
		r.Post("/points", h.AwardPoints)
		r.Post("/challenges/progress", h.ChallengeProgress)
		r.Post("/challenges/{challengeId}/enroll", h.Enroll)
	})
	r.Post("/challenges", h.CreateChallenge)
	r.Post("/badges", h.CreateBadge)
	r.Post("/webhooks", h.CreateWebhook)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

// writeServiceError maps the domain error taxonomy to a status code. Domain
// errors carry a user-facing message; anything else is logged and hidden.
func writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, model.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrCapacityExceeded), errors.Is(err, model.ErrDuplicateRegistration):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("handler: %s: %v", action, err)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// bind decodes and validates the body into dst, writing a 400 on failure.
// An empty body is allowed when optional is set.
func (h *RegistrationHandler) bind(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := decodeJSON(r, dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

func principal(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
// The caller becomes the event organizer.
func (h *RegistrationHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), principal(r), req)
	if err != nil {
		writeServiceError(w, err, "create event")
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *RegistrationHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeServiceError(w, err, "list events")
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *RegistrationHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "get event")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// ListRegistrations handles GET /events/{id}/registrations
func (h *RegistrationHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.svc.ListRegistrations(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "list registrations")
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// ─── Registration lifecycle ───────────────────────────────────────────────────

// Register handles POST /events/{id}/register
// Responds 201 for a new registration and 200 when an existing one is returned.
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !h.bind(w, r, &req, true) {
		return
	}

	res, err := h.svc.Register(r.Context(), principal(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err, "register for event")
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// Cancel handles POST /events/{id}/cancel
func (h *RegistrationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), identity.CurrentUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "cancel registration")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Confirm handles POST /events/{id}/confirm
// Called by the payment gateway, or by the registrant, once payment succeeds.
func (h *RegistrationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req model.ConfirmRequest
	if !h.bind(w, r, &req, true) {
		return
	}

	res, err := h.svc.ConfirmPendingRegistration(r.Context(), principal(r), chi.URLParam(r, "id"), req.UserID, req.TierName)
	if err != nil {
		writeServiceError(w, err, "confirm registration")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// CheckIn handles POST /tickets/{ref}/check-in
// ref is a ticket ID or ticket number; ?eventId= restricts it to one event.
func (h *RegistrationHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	tk, err := h.svc.CheckIn(r.Context(), principal(r), chi.URLParam(r, "ref"), r.URL.Query().Get("eventId"))
	if err != nil {
		writeServiceError(w, err, "check in ticket")
		return
	}

	writeJSON(w, http.StatusOK, tk)
}

// ─── Discounts ────────────────────────────────────────────────────────────────

// CreateDiscount handles POST /discounts
func (h *RegistrationHandler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDiscountRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	d, err := h.svc.CreateDiscountCode(r.Context(), principal(r), req)
	if err != nil {
		writeServiceError(w, err, "create discount code")
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

// ValidateDiscount handles GET /discounts/{code}/validate
// An unusable code is a 200 with valid=false and a reason.
func (h *RegistrationHandler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ValidateDiscount(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Get("eventId"))
	if err != nil {
		writeServiceError(w, err, "validate discount code")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ─── Gamification ─────────────────────────────────────────────────────────────

// AwardPoints handles POST /users/{id}/points
func (h *RegistrationHandler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	var req model.AwardPointsRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	out, err := h.svc.AwardPoints(r.Context(), principal(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err, "award points")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// ChallengeProgress handles POST /users/{id}/challenges/progress
func (h *RegistrationHandler) ChallengeProgress(w http.ResponseWriter, r *http.Request) {
	var req model.ChallengeProgressRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	out, err := h.svc.TriggerChallengeProgress(r.Context(), principal(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err, "update challenge progress")
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// Enroll handles POST /users/{id}/challenges/{challengeId}/enroll
func (h *RegistrationHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	en, err := h.svc.Enroll(r.Context(), principal(r), chi.URLParam(r, "id"), chi.URLParam(r, "challengeId"))
	if err != nil {
		writeServiceError(w, err, "enroll in challenge")
		return
	}

	writeJSON(w, http.StatusCreated, en)
}

// UserSummary handles GET /users/{id}/profile
func (h *RegistrationHandler) UserSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.UserSummary(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "get profile")
		return
	}

	writeJSON(w, http.StatusOK, sum)
}

// Notifications handles GET /users/{id}/notifications
func (h *RegistrationHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	ns, err := h.svc.Notifications(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "list notifications")
		return
	}

	if ns == nil {
		ns = []model.Notification{}
	}

	writeJSON(w, http.StatusOK, ns)
}

// CreateChallenge handles POST /challenges
func (h *RegistrationHandler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req model.CreateChallengeRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	c, err := h.svc.CreateChallenge(r.Context(), principal(r), req)
	if err != nil {
		writeServiceError(w, err, "create challenge")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// CreateBadge handles POST /badges
func (h *RegistrationHandler) CreateBadge(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBadgeRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	b, err := h.svc.CreateBadge(r.Context(), principal(r), req)
	if err != nil {
		writeServiceError(w, err, "create badge")
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// CreateWebhook handles POST /webhooks
func (h *RegistrationHandler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWebhookRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	sub, err := h.svc.CreateWebhookSubscription(r.Context(), principal(r), req)
	if err != nil {
		writeServiceError(w, err, "create webhook subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
