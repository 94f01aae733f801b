package handler

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"tlu-gateway/internal/model"
	"tlu-gateway/internal/service"
)

// ProxyHandler forwards any other request to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request with its path and query unchanged. The upstream
// response is buffered by then, so nothing is written before the outcome is known.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	pr := &model.ProxyRequest{
		Method: req.Method,
		Target: req.URL.RequestURI(),
		Header: req.Header,
		Body:   body,
	}

	h.logger.Debug("forwarding request", "method", pr.Method, "path", req.URL.Path)

	res, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return err
	}
	return c.Blob(res.StatusCode, res.ContentType, res.Body)
}
