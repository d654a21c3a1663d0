package controlplane

import (
	"net/http"

	"github.com/fentz26/baton/internal/errors"
)

// errorCode maps a coordination error to an HTTP status and a stable code
// clients can branch on.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrStoreCorrupt):
		return http.StatusInternalServerError, "store_corrupt"
	case errors.Is(err, errors.ErrNeedsTask):
		return http.StatusAccepted, "needs_task"
	case errors.Is(err, errors.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, errors.ErrNotHeld):
		return http.StatusConflict, "not_held"
	case errors.Is(err, errors.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, errors.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, errors.ErrInvalidResult):
		return http.StatusUnprocessableEntity, "invalid_result"
	case errors.Is(err, errors.ErrOverrideReasonRequired):
		return http.StatusBadRequest, "reason_required"
	case errors.Is(err, errors.ErrTaskNotFound), errors.Is(err, errors.ErrRouteNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrRouteUnavailable):
		return http.StatusServiceUnavailable, "route_unavailable"
	case errors.Is(err, errors.ErrNoRouteAvailable):
		return http.StatusServiceUnavailable, "no_route_available"
	case errors.Is(err, errors.ErrTransient):
		return http.StatusBadGateway, "transient"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
