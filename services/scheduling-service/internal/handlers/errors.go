package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/chairbook/libs/auth"
	"github.com/md-rashed-zaman/chairbook/libs/httpx"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/allocator"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/status"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/storage"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{interval.ErrInvalidTimeRange, http.StatusBadRequest, "invalid_time_range"},
	{booking.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{status.ErrUnknownRole, http.StatusBadRequest, "unknown_role"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{allocator.ErrOutsideBusinessHours, http.StatusUnprocessableEntity, "outside_business_hours"},
	{allocator.ErrOverlapsBreak, http.StatusUnprocessableEntity, "overlaps_break"},
	{allocator.ErrInvalidSegment, http.StatusUnprocessableEntity, "invalid_segment"},
	{status.ErrInvalidStatusTransition, http.StatusUnprocessableEntity, "invalid_status_transition"},
	{directory.ErrUnknownResource, http.StatusUnprocessableEntity, "unknown_resource"},
	{allocator.ErrNoAvailableResource, http.StatusConflict, "no_available_resource"},
	{storage.ErrStaleVersion, http.StatusConflict, "stale_version"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{booking.ErrTryAgain, http.StatusServiceUnavailable, "try_again"},
}

type resourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type unavailableBody struct {
	Error    string      `json:"error"`
	Code     string      `json:"code"`
	Resource resourceRef `json:"resource"`
}

// writeError maps domain errors to status codes; anything unrecognised is logged and hidden.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ru *conflict.ResourceUnavailableError
	if errors.As(err, &ru) {
		httpx.WriteJSON(w, http.StatusConflict, unavailableBody{
			Error:    err.Error(),
			Code:     "resource_unavailable",
			Resource: resourceRef{Kind: string(ru.Kind), ID: ru.ResourceID},
		})
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			httpx.WriteError(w, m.status, m.code, err.Error())
			return
		}
	}
	logger.Error("request failed", "err", err)
	httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
}
