package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

const loginPath = "/login"

// Dispatcher routes every proxied request and is the single failure boundary
// for them: any error a handler returns becomes one error envelope.
type Dispatcher struct {
	login  *LoginHandler
	proxy  *ProxyHandler
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(login *LoginHandler, proxy *ProxyHandler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		login:  login,
		proxy:  proxy,
		logger: logger.With("component", "dispatcher"),
	}
}

// Handle sends POST /login to the login handler and everything else upstream.
func (d *Dispatcher) Handle(c echo.Context) error {
	var err error
	req := c.Request()
	if req.Method == http.MethodPost && req.URL.Path == loginPath {
		err = d.login.Handle(c)
	} else {
		err = d.proxy.Handle(c)
	}
	if err != nil {
		return writeError(c, d.logger, err)
	}
	return nil
}
