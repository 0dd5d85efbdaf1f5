package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dyzen-server-go/internal/platform/errors"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Kind    string      `json:"kind,omitempty"`
}

// RespondSuccess writes a success envelope.
func RespondSuccess(c *gin.Context, httpStatus int, data interface{}, message string) {
	if message == "" {
		message = "ok"
	}

	resp := APIResponse{
		Success: true,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	}

	c.JSON(httpStatus, resp)
}

// RespondError writes a failure envelope.
func RespondError(c *gin.Context, httpStatus int, message string, data interface{}) {
	resp := APIResponse{
		Success: false,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	}

	c.JSON(httpStatus, resp)
}

// StatusFor maps an error kind to its HTTP status. This is the only place
// pipeline errors become status codes.
func StatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindImageDecode, errors.KindDomain, errors.KindCoercion:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindShapeMismatch:
		return http.StatusUnprocessableEntity
	case errors.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindInference:
		return http.StatusBadGateway
	case errors.KindTransport:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// RespondErr writes the envelope for err with the mapped status.
func RespondErr(c *gin.Context, err error) {
	status := StatusFor(err)
	_ = c.Error(err)
	c.JSON(status, APIResponse{
		Success: false,
		Message: err.Error(),
		Code:    status,
		Kind:    string(errors.KindOf(err)),
	})
}
