package api

import (
	"errors"
	"time"

	domrepo "CandlePull/internal/domain/repository"
	xhttp "CandlePull/pkg/http"
)

// toAppError maps domain errors onto HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var appErr *xhttp.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	switch {
	case errors.Is(err, domrepo.ErrConfiguration):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	case errors.Is(err, domrepo.ErrNotFound):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.Is(err, domrepo.ErrRateLimited):
		var cooldown time.Duration
		var fe *domrepo.FetchError
		if errors.As(err, &fe) {
			cooldown = fe.Cooldown
		}
		return xhttp.TooManyRequestsError("upstream exchange rate limit reached", cooldown).WithError(err)
	case errors.Is(err, domrepo.ErrTransient), errors.Is(err, domrepo.ErrInvalid):
		return xhttp.UnavailableError("upstream exchange unavailable").WithError(err)
	default:
		return xhttp.InternalError("Something went wrong").WithError(err)
	}
}
