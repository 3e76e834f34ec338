package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const genericErrorMessage = "something went wrong, please try again"

// errValidation carries a caller-safe validation message.
type errValidation struct {
	msg string
}

func (e *errValidation) Error() string { return e.msg }

var errorStatuses = []struct {
	err     error
	status  int
	message string
}{
	{billing.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{billing.ErrNotLinked, http.StatusForbidden, "not allowed to manage this account"},
	{billing.ErrNoChange, http.StatusBadRequest, "already on this plan"},
	{billing.ErrAlreadySubscribed, http.StatusBadRequest, "already subscribed, change the plan instead"},
	{billing.ErrPlanNotFound, http.StatusBadRequest, "unknown plan"},
	{billing.ErrInvalidRequest, http.StatusBadRequest, "invalid request"},
	{billing.ErrNoActiveSubscription, http.StatusNotFound, "no active subscription"},
	{billing.ErrSubscriptionNotFound, http.StatusNotFound, "subscription not found"},
	{billing.ErrCustomerNotFound, http.StatusNotFound, "no billing account"},
}

// classify maps an error to a status code and a message that is safe to
// return. Anything unrecognized becomes a 500 with a generic message.
func classify(err error) (int, string, bool) {
	var verr *errValidation
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.msg, true
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.message, true
		}
	}
	return http.StatusInternalServerError, genericErrorMessage, false
}
