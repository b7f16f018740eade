package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"promptly/internal/ai"
	"promptly/internal/app"
	"promptly/internal/apperr"
)

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUsernameExists     = 40001
	CodeEmailExists        = 40002
	CodeUnauthorized       = 40100
	CodeInvalidCredentials = 40101
	CodeForbidden          = 40300
	CodeNotFound           = 40400
	CodeConflict           = 40900
	CodeInvalidState       = 40901
	CodePayloadTooLarge    = 41300
	CodeLimitExceeded      = 42200
	CodeTooManyRequests    = 42900
	CodeInternalServer     = 50000
	CodeAIBadResponse      = 50200
	CodeAIUnavailable      = 50300
)

type APIResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Retry   apperr.Class `json:"retry,omitempty"`
	Data    interface{}  `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Code:    CodeOK,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// Fail writes err as an envelope. Internal failures are logged and their
// detail is not sent to the client.
func Fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	body := APIResponse{
		Code:    code,
		Message: err.Error(),
		Retry:   apperr.Classify(err),
	}
	if errors.Is(err, app.ErrInvalidCredential) {
		body.Retry = apperr.ClassFixRequest
	}

	var pending *app.PendingAnswerError
	if errors.As(err, &pending) {
		body.Data = gin.H{"answer_node_id": pending.AnswerNodeID}
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		body.Message = "internal server error"
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func statusOf(err error) (int, int) {
	switch {
	case errors.Is(err, app.ErrInvalidCredential):
		return http.StatusUnauthorized, CodeInvalidCredentials
	case errors.Is(err, app.ErrUsernameExists):
		return http.StatusConflict, CodeUsernameExists
	case errors.Is(err, app.ErrEmailExists):
		return http.StatusConflict, CodeEmailExists
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, apperr.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, CodeLimitExceeded
	case errors.Is(err, ai.ErrClient), errors.Is(err, ai.ErrMalformedResponse):
		return http.StatusBadGateway, CodeAIBadResponse
	case errors.Is(err, ai.ErrServer), errors.Is(err, ai.ErrTimeout):
		return http.StatusServiceUnavailable, CodeAIUnavailable
	default:
		return http.StatusInternalServerError, CodeInternalServer
	}
}
