package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptly/internal/ai"
	"promptly/internal/app"
	"promptly/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func failWith(t *testing.T, err error) (int, APIResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Fail(c, err)

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestFailMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   int
		retry  apperr.Class
	}{
		{"validation", apperr.Validation("title too long"), http.StatusBadRequest, CodeBadRequest, apperr.ClassFixRequest},
		{"forbidden", apperr.Forbidden("not yours"), http.StatusForbidden, CodeForbidden, apperr.ClassFixRequest},
		{"not found", apperr.NotFound("session s-1"), http.StatusNotFound, CodeNotFound, apperr.ClassFixRequest},
		{"conflict", apperr.Conflict("already answered"), http.StatusConflict, CodeConflict, apperr.ClassFixRequest},
		{"invalid state", apperr.InvalidState("session is completed"), http.StatusConflict, CodeInvalidState, apperr.ClassSessionOver},
		{"limit", apperr.LimitExceeded("10 of 10"), http.StatusUnprocessableEntity, CodeLimitExceeded, apperr.ClassSessionOver},
		{"ai client", &ai.Error{Kind: ai.ErrClient, Status: 400}, http.StatusBadGateway, CodeAIBadResponse, apperr.ClassFixRequest},
		{"ai malformed", ai.Malformed("no question"), http.StatusBadGateway, CodeAIBadResponse, apperr.ClassFixRequest},
		{"ai server", &ai.Error{Kind: ai.ErrServer, Status: 502, Attempts: 4}, http.StatusServiceUnavailable, CodeAIUnavailable, apperr.ClassRetryLater},
		{"ai timeout", &ai.Error{Kind: ai.ErrTimeout}, http.StatusServiceUnavailable, CodeAIUnavailable, apperr.ClassRetryLater},
		{"ai configuration", &ai.Error{Kind: ai.ErrConfiguration}, http.StatusInternalServerError, CodeInternalServer, apperr.ClassInternal},
		{"credentials", app.ErrInvalidCredential, http.StatusUnauthorized, CodeInvalidCredentials, apperr.ClassFixRequest},
		{"username taken", app.ErrUsernameExists, http.StatusConflict, CodeUsernameExists, apperr.ClassFixRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := failWith(t, tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.retry, body.Retry)
		})
	}
}

func TestFailHidesInternalDetail(t *testing.T) {
	status, body := failWith(t, fmt.Errorf("query failed: %w", errors.New("dial tcp 10.0.0.3:3306")))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", body.Message)
	assert.Equal(t, apperr.ClassInternal, body.Retry)
}

func TestFailPendingAnswer(t *testing.T) {
	err := &app.PendingAnswerError{AnswerNodeID: "a-1", Err: &ai.Error{Kind: ai.ErrServer, Status: 503, Attempts: 4}}
	status, body := failWith(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, apperr.ClassRetryLater, body.Retry)
	assert.Equal(t, map[string]any{"answer_node_id": "a-1"}, body.Data)
}
