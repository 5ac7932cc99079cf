package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keepsakehq/keepsake/internal/faults"
)

// httpError translates fault taxonomy errors into transport status codes.
// Anything already shaped as an echo error passes through untouched.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case faults.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case faults.IsCapacity(err):
		return echo.NewHTTPError(http.StatusInsufficientStorage, err.Error())
	case faults.IsConsistency(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	case faults.IsTransientRemote(err):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
