package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
)

// statusFor maps an apperrors.Code to the HTTP status the facade reports
// for it. Codes that describe a failure inside the workload rather than the
// request itself (agent-failure, container-failure) still surface as 502:
// the request was accepted and routed correctly, the thing it asked about
// failed.
func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodePrecondition:
		return http.StatusConflict
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeTransient:
		return http.StatusServiceUnavailable
	case apperrors.CodeAgentFailure, apperrors.CodeContainerFailure:
		return http.StatusBadGateway
	case apperrors.CodeEngineFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and JSON body, preferring the
// apperrors.Code carried on err when present.
func writeError(c *gin.Context, err error) {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(statusFor(code), gin.H{"error": err.Error(), "code": string(code)})
}
