package handler

import (
	"io"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"tlu-gateway/internal/model"
	"tlu-gateway/internal/service"
)

// LoginHandler exchanges student credentials for an upstream token.
type LoginHandler struct {
	service *service.AuthService
	logger  *slog.Logger
}

// NewLoginHandler creates a LoginHandler.
func NewLoginHandler(svc *service.AuthService, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		service: svc,
		logger:  logger.With("component", "login_handler"),
	}
}

// Handle accepts a JSON or form body with studentCode and password. Each
// field is read on its own; a missing or unreadable one is sent empty.
func (h *LoginHandler) Handle(c echo.Context) error {
	creds, err := readCredentials(c)
	if err != nil {
		h.logger.Debug("unreadable login body, sending empty credentials", "err", err)
	}

	res, err := h.service.Login(c.Request().Context(), creds)
	if err != nil {
		return err
	}
	return c.JSONBlob(res.StatusCode, res.Body)
}

func readCredentials(c echo.Context) (model.Credentials, error) {
	req := c.Request()
	ctype := req.Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ctype, echo.MIMEApplicationForm) || strings.HasPrefix(ctype, echo.MIMEMultipartForm) {
		return model.Credentials{
			StudentCode: req.PostFormValue("studentCode"),
			Password:    req.PostFormValue("password"),
		}, nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return model.Credentials{}, err
	}
	if !gjson.ValidBytes(body) {
		return model.Credentials{}, nil
	}
	return model.Credentials{
		StudentCode: credentialField(gjson.GetBytes(body, "studentCode")),
		Password:    credentialField(gjson.GetBytes(body, "password")),
	}, nil
}

// credentialField renders a JSON value the way a form field would carry it:
// strings as-is, numbers and true in their literal form. Falsy values
// (absent, null, false, 0, "") and nested objects or arrays become "".
func credentialField(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		if r.Num == 0 {
			return ""
		}
		return r.String()
	case gjson.True:
		return "true"
	}
	return ""
}
