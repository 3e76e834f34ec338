package api

import "github.com/mihaimyh/tiersync/pkg/billing"

type checkoutRequest struct {
	ChildID    string `json:"childId" validate:"required,max=255"`
	PriceID    string `json:"priceId" validate:"required,max=255"`
	SuccessURL string `json:"successUrl" validate:"omitempty,url"`
	CancelURL  string `json:"cancelUrl" validate:"omitempty,url"`
}

type cancelRequest struct {
	ChildID   string `json:"childId" validate:"required,max=255"`
	Immediate bool   `json:"immediate"`
}

type childRequest struct {
	ChildID string `json:"childId" validate:"required,max=255"`
}

type portalRequest struct {
	ChildID   string `json:"childId" validate:"omitempty,max=255"`
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
}

type changeRequest struct {
	ChildID string `json:"childId" validate:"required,max=255"`
	PriceID string `json:"priceId" validate:"required,max=255"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type changeResponse struct {
	Success       bool   `json:"success"`
	IsUpgrade     bool   `json:"isUpgrade"`
	EffectiveDate string `json:"effectiveDate"`
}

type syncResponse struct {
	Success bool         `json:"success"`
	Tier    billing.Tier `json:"tier"`
}

type paymentsResponse struct {
	Payments []*billing.PaymentRecord `json:"payments"`
}

type errorResponse struct {
	Error string `json:"error"`
}
