// Package handlers exposes the analytics core over HTTP.
package handlers

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parlaylab/parlay-core/internal/apperrors"
)

// ErrorResponse is the wire shape of every failed request.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind"`
	Details map[string]string `json:"details,omitempty"`
}

// respondError maps an error's kind onto its HTTP status.
func respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	c.JSON(apperrors.HTTPStatus(kind), ErrorResponse{
		Error: err.Error(),
		Kind:  apperrors.WireKind(kind),
	})
}

// respondInvalid reports a request binding failure.
func respondInvalid(c *gin.Context, err error) {
	respondError(c, apperrors.Wrap(apperrors.KindInvalidInput, err, "invalid request format"))
}

func errInvalidQuery(name, value string) error {
	return fmt.Errorf("query parameter %s=%q is invalid", name, value)
}

// intQuery parses an integer query parameter, falling back on the default.
func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
