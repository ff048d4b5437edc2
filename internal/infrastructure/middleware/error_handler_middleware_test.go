package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"simulcastctl/internal/core/domain"
	apperrors "simulcastctl/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"invalid identifier", fmt.Errorf("7: %w", domain.ErrInvalidIdentifier), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"invalid command", domain.ErrInvalidCommand, http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"invalid state", domain.ErrInvalidState, http.StatusConflict, apperrors.ErrCodeInvalidState},
		{"setup", apperrors.NewSetupError("base.init", errors.New("x")), http.StatusInternalServerError, apperrors.ErrCodeSetupFailed},
		{"reconfigure", apperrors.NewReconfigureError(errors.New("x")), http.StatusUnprocessableEntity, apperrors.ErrCodeReconfigureFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}

	assert.Nil(t, ToAppError(errors.New("plain")))
}

func newErrorRouter(t *testing.T, err error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/fail", func(c *gin.Context) {
		_ = c.Error(err)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router
}

func TestErrorHandlerMiddleware_InvalidSSRC(t *testing.T) {
	router := newErrorRouter(t, domain.ErrInvalidIdentifier)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fail", nil)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Invalid SSRC", body["message"])
}

func TestErrorHandlerMiddleware_SetupStepInDetails(t *testing.T) {
	router := newErrorRouter(t, apperrors.NewSetupError("capture.start", errors.New("busy")))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fail", nil)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "capture.start")
}

func TestErrorHandlerMiddleware_UnknownError(t *testing.T) {
	router := newErrorRouter(t, errors.New("plain"))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fail", nil)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeInternal))
}

func TestRecoveryMiddleware(t *testing.T) {
	router := newErrorRouter(t, nil)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/panic", nil)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
