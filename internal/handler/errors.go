package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tlu-gateway/internal/fetch"
	"tlu-gateway/internal/model"
	"tlu-gateway/internal/service"
)

const proxyErrorTitle = "Proxy Error"

// writeError turns err into the gateway error envelope. It writes nothing
// when a response has already been started, so a request never gets two.
func writeError(c echo.Context, logger *slog.Logger, err error) error {
	req := c.Request()
	if c.Response().Committed {
		logger.Warn("error after response was committed",
			"err", fetch.Redact(err),
			"method", req.Method,
			"path", req.URL.Path,
		)
		return nil
	}

	status, env := mapError(err)

	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("client went away", "method", req.Method, "path", req.URL.Path)
	case status >= http.StatusInternalServerError:
		logger.Error("proxy error",
			"err", env.Details,
			"code", env.Code,
			"method", req.Method,
			"path", req.URL.Path,
		)
	default:
		logger.Debug("request rejected", "status", status, "err", env.Details, "path", req.URL.Path)
	}

	if req.Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, env)
}

func mapError(err error) (int, model.ErrorEnvelope) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, model.ErrorEnvelope{
			Error:   http.StatusText(he.Code),
			Details: fmt.Sprint(he.Message),
		}
	}

	if errors.Is(err, service.ErrMalformedBody) {
		return http.StatusBadRequest, model.ErrorEnvelope{
			Error:   http.StatusText(http.StatusBadRequest),
			Details: err.Error(),
		}
	}

	return http.StatusBadGateway, model.ErrorEnvelope{
		Error:   proxyErrorTitle,
		Details: fetch.Redact(err),
		Code:    fetch.Code(err),
	}
}

// NewErrorHandler returns an echo.HTTPErrorHandler that renders framework
// errors (body limit, rate limit, recovered panics) with the gateway envelope.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	log := logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if werr := writeError(c, log, err); werr != nil {
			log.Error("writing error response", "err", werr)
		}
	}
}
