package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeServerError(c *echo.Context, err error) error {
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeErr maps typed errors onto their status codes.
func writeErr(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		return writeNotFound(c, err.Error())
	default:
		return writeServerError(c, err)
	}
}

// splitArtifactName parses "<name>_<epoch>".
func splitArtifactName(s string) (string, int, error) {
	if s == "" || strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return "", 0, newInvalidRequest("invalid artifact name " + strconv.Quote(s))
	}
	i := strings.LastIndexByte(s, '_')
	if i <= 0 {
		return "", 0, newInvalidRequest("artifact name must end in _<epoch>")
	}
	epoch, err := strconv.Atoi(s[i+1:])
	if err != nil || epoch < 0 {
		return "", 0, newInvalidRequest("artifact name must end in _<epoch>")
	}
	return s[:i], epoch, nil
}
