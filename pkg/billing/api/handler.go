package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/internal"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
)

const maxIDLen = 255

// Handler exposes the billing commands over JSON HTTP
type Handler struct {
	config   Config
	validate *validator.Validate
	limiter  *internal.RateLimiter
	logger   billing.Logger
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	defaults := DefaultConfig()
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: newValidator(),
		limiter:  internal.NewRateLimiter(config.RateLimit, config.RateWindow),
		logger:   logger,
	}, nil
}

// Routes returns a router with every billing endpoint, rate limited per payer.
// Mount it under /billing.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.limiter.Middleware(h.config.GetParentID))

	r.Post("/checkout", h.Checkout)
	r.Post("/cancel", h.Cancel)
	r.Post("/resume", h.Resume)
	r.Post("/portal", h.Portal)
	r.Post("/preview-change", h.PreviewChange)
	r.Post("/change", h.Change)
	r.Post("/sync", h.Sync)
	r.Get("/payments", h.Payments)
	return r
}

// Checkout starts a hosted checkout for a child's first subscription.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.config.Commands.CreateCheckout(r.Context(), stripe.CheckoutRequest{
		ParentID:   parentID,
		ChildID:    req.ChildID,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// Cancel cancels now or at the period end.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.config.Commands.CancelSubscription(r.Context(), parentID, req.ChildID, req.Immediate); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Resume clears a pending cancellation.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req childRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.config.Commands.Resume(r.Context(), parentID, req.ChildID); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Portal returns a billing portal URL for the payer.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req portalRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.config.Commands.CreatePortalSession(r.Context(), parentID, req.ChildID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

// PreviewChange returns what a plan change would cost. Nothing is changed.
func (h *Handler) PreviewChange(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req changeRequest
	if !h.decode(w, r, &req) {
		return
	}

	preview, err := h.config.Commands.PreviewChange(r.Context(), parentID, req.ChildID, req.PriceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// Change confirms a plan change.
func (h *Handler) Change(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req changeRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.config.Commands.ConfirmChange(r.Context(), parentID, req.ChildID, req.PriceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, changeResponse{
		Success:       true,
		IsUpgrade:     result.IsUpgrade,
		EffectiveDate: result.EffectiveDate,
	})
}

// Sync re-reads the child's subscription from Stripe.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	var req childRequest
	if !h.decode(w, r, &req) {
		return
	}

	tier, err := h.config.Commands.ReconcileChild(r.Context(), parentID, req.ChildID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, syncResponse{Success: true, Tier: tier})
}

// Payments lists a child's payment history.
func (h *Handler) Payments(w http.ResponseWriter, r *http.Request) {
	parentID, ok := h.begin(w, r)
	if !ok {
		return
	}
	req := childRequest{ChildID: r.URL.Query().Get("childId")}
	if err := h.validateRequest(&req); err != nil {
		h.handleError(w, r, err)
		return
	}

	payments, err := h.config.Commands.ListPayments(r.Context(), parentID, req.ChildID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if payments == nil {
		payments = []*billing.PaymentRecord{}
	}
	h.writeJSON(w, http.StatusOK, paymentsResponse{Payments: payments})
}

// begin sets response headers and resolves the authenticated payer.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request) (string, bool) {
	internal.SetSecurityHeaders(w)
	parentID := h.config.GetParentID(r)
	if parentID == "" || len(parentID) > maxIDLen {
		h.handleError(w, r, billing.ErrUnauthenticated)
		return "", false
	}
	return parentID, true
}

// decode reads and validates a JSON body. It writes the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := internal.DecodeJSON(w, r, h.config.MaxBodyBytes, dst); err != nil {
		msg := "invalid request body"
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			msg = "request body too large"
		}
		h.handleError(w, r, &errValidation{msg: msg})
		return false
	}
	if err := h.validateRequest(dst); err != nil {
		h.handleError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	if err := internal.WriteJSON(w, status, body); err != nil {
		h.logger.Debug("failed to write response", billing.F("error", err.Error()))
	}
}

// handleError handles errors with appropriate HTTP status codes. Internal
// details are logged, never returned.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, message, known := classify(err)
	if !known {
		h.logger.Error("billing request failed",
			billing.F("method", r.Method),
			billing.F("path", r.URL.Path),
			billing.F("error", err.Error()),
		)
	}
	h.writeJSON(w, status, errorResponse{Error: message})
}
