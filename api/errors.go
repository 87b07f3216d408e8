package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
	"github.com/warp/railbook/railway"
)

// statusFor maps a domain error to an HTTP status. This is the only place
// errors become status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrAlreadyCancelled),
		errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrPhoneTaken),
		errors.Is(err, catalog.ErrDuplicateNumber),
		errors.Is(err, catalog.ErrCapacityInUse):
		return http.StatusConflict

	case errors.Is(err, account.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized

	case errors.Is(err, policy.ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, account.ErrUserNotFound):
		return http.StatusNotFound

	case errors.Is(err, account.ErrMissingFields),
		errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, account.ErrInvalidRole),
		errors.Is(err, identity.ErrPasswordTooShort),
		errors.Is(err, catalog.ErrMissingFields),
		errors.Is(err, catalog.ErrInvalidSchedule),
		errors.Is(err, catalog.ErrScheduleOverlap),
		errors.Is(err, catalog.ErrInvalidCapacity),
		errors.Is(err, catalog.ErrInvalidFare),
		errors.Is(err, catalog.ErrNothingToUpdate),
		errors.Is(err, railway.ErrInvalidPNR),
		errors.Is(err, errUnknownScenario):
		return http.StatusBadRequest

	case errors.Is(err, railway.ErrUnavailable),
		errors.Is(err, railway.ErrNotConfig):
		return http.StatusBadGateway
	}

	var se *railway.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}

	switch booking.KindOf(err) {
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindInvalidInput, booking.KindConflict:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with its mapped status. Unexpected errors are
// logged and their details withheld.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zapRequestID(r),
			zap.Error(err),
		)
		writeError(w, status, "internal error", nil)
		return
	}
	writeError(w, status, rootMessage(err), err)
}

// rootMessage returns the message of the innermost sentinel.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
