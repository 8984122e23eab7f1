package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
)

type APIError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondErr maps a service error to the wire envelope. Tagged errors keep
// their code and status; anything else becomes internal.
func RespondErr(c *gin.Context, err error) {
	ae := apperr.Wrap(apperr.CodeInternal, err)
	c.JSON(apperr.HTTPStatus(ae.Code), ErrorEnvelope{
		Error: APIError{
			Message: ae.Message,
			Code:    ae.Code,
			Details: ae.Details,
		},
	})
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
