package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnresolvableIdentity is returned when neither subscription metadata nor the
	// local record identify the payer and beneficiary of a subscription.
	ErrUnresolvableIdentity = errors.New("unresolvable subscription identity")

	// ErrSubscriptionNotFound is returned when no local subscription record matches
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription is returned when a command needs a stripe-backed subscription
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrAlreadySubscribed is returned by checkout when the child already has a paid subscription.
	// Plan changes go through the change-plan path instead.
	ErrAlreadySubscribed = errors.New("child already has an active subscription, use change plan instead")

	// ErrNoChange is returned when a plan change targets the current price
	ErrNoChange = errors.New("requested price is the current price")

	// ErrPlanNotFound is returned when a price or tier is not in the plan catalog
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidTier is returned for unknown tiers
	ErrInvalidTier = errors.New("invalid tier")

	// ErrNotLinked is returned when the payer is not linked to the beneficiary
	ErrNotLinked = errors.New("payer is not linked to child")

	// ErrUnauthenticated is returned when the caller cannot be identified
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrCustomerNotFound is returned when the payer has no processor customer yet
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrInvalidRecord is returned when a subscription record violates its invariants
	ErrInvalidRecord = errors.New("invalid subscription record")

	// ErrEventInFlight is returned when another worker is applying the same event
	ErrEventInFlight = errors.New("webhook event is already being processed")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrInvalidRequest is returned for malformed command input
	ErrInvalidRequest = errors.New("invalid request")
)
