package api

import (
	"errors"
	"net/http"

	"github.com/mandi/auction/internal/domain"
)

// errMalformedBody marks a request body that is not valid JSON.
var errMalformedBody = errors.New("malformed request body")

// retryAfterSeconds is advertised on retryable conflicts.
const retryAfterSeconds = "1"

// MapHTTPStatus maps domain errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientQuantity),
		errors.Is(err, domain.ErrLotModifiedConcurrently),
		errors.Is(err, domain.ErrCommitTokenConflict),
		errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrInvalidLine),
		errors.Is(err, domain.ErrDuplicateTrader),
		errors.Is(err, domain.ErrOverAllocation),
		errors.Is(err, domain.ErrInvalidLotMeasurement):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// errorCode is the machine-readable kind reported alongside the message.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errMalformedBody):
		return "malformed_body"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, domain.ErrLotModifiedConcurrently):
		return "lot_modified_concurrently"
	case errors.Is(err, domain.ErrCommitTokenConflict):
		return "commit_token_conflict"
	case errors.Is(err, domain.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, domain.ErrInvalidLine):
		return "invalid_line"
	case errors.Is(err, domain.ErrDuplicateTrader):
		return "duplicate_trader"
	case errors.Is(err, domain.ErrOverAllocation):
		return "over_allocation"
	case errors.Is(err, domain.ErrInvalidLotMeasurement):
		return "data_integrity"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	}
	return "internal"
}
