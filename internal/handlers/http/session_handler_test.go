package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/internal/core/services"
	"simulcastctl/internal/infrastructure/monitoring"
	"simulcastctl/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Execute(ctx context.Context, line string) (ports.CommandResult, error) {
	args := m.Called(ctx, line)
	return args.Get(0).(ports.CommandResult), args.Error(1)
}

func (m *MockSessionService) CallState() domain.CallState {
	return m.Called().Get(0).(domain.CallState)
}

func (m *MockSessionService) RoutingStats() domain.RoutingStats {
	return m.Called().Get(0).(domain.RoutingStats)
}

type MockHistorySession struct {
	MockSessionService
}

func (m *MockHistorySession) History() []domain.ReconfigurationRecord {
	return m.Called().Get(0).([]domain.ReconfigurationRecord)
}

func newTestRouter(t *testing.T, session ports.SessionService, liveness, readiness *monitoring.HealthChecker, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	h := NewSessionHandler(session, services.NewQualityService(), nil, liveness, readiness, gatherer)
	return NewRouter(cfg, h, zaptest.NewLogger(t).Sugar())
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func streamingState() domain.CallState {
	return domain.CallState{State: domain.StateStreaming.String(), Policy: "relay_one(3)", ActiveLayers: 3}
}

func TestSessionHandler_Health(t *testing.T) {
	state := domain.StateStreaming
	liveness := monitoring.NewHealthChecker()
	liveness.AddSessionCheck(func() domain.SessionState { return state }, time.Second)
	router := newTestRouter(t, new(MockSessionService), liveness, nil, nil)

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	state = domain.StateTornDown
	w = doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "session")
}

func TestSessionHandler_Ready(t *testing.T) {
	readiness := monitoring.NewHealthChecker()
	readiness.AddStreamingCheck(func() domain.SessionState { return domain.StateProvisioned }, time.Second)
	router := newTestRouter(t, new(MockSessionService), nil, readiness, nil)

	w := doJSON(router, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSessionHandler_GetSession(t *testing.T) {
	session := new(MockSessionService)
	session.On("CallState").Return(streamingState())
	router := newTestRouter(t, session, nil, nil, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/session", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Session domain.CallState `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "relay_one(3)", body.Session.Policy)
	assert.Equal(t, 3, body.Session.ActiveLayers)
}

func TestSessionHandler_GetStatsByQuality(t *testing.T) {
	session := new(MockSessionService)
	session.On("RoutingStats").Return(domain.RoutingStats{
		Delivered: map[domain.StreamIdentifier]uint64{3: 42, 1: 7},
		Dropped:   map[domain.StreamIdentifier]uint64{2: 5},
	})
	router := newTestRouter(t, session, nil, nil, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/session/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Delivered []layerCount `json:"delivered"`
		Dropped   []layerCount `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []layerCount{
		{SSRC: 1, Quality: "low", Packets: 7},
		{SSRC: 3, Quality: "high", Packets: 42},
	}, body.Delivered)
	assert.Equal(t, []layerCount{{SSRC: 2, Quality: "medium", Packets: 5}}, body.Dropped)
}

func TestSessionHandler_GetHistory(t *testing.T) {
	session := new(MockHistorySession)
	session.On("History").Return([]domain.ReconfigurationRecord{{Command: "0", Policy: "relay_one(1)", Layers: 1}})
	router := newTestRouter(t, session, nil, nil, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/session/history", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"policy":"relay_one(1)"`)
}

func TestSessionHandler_GetHistoryWithoutProvider(t *testing.T) {
	router := newTestRouter(t, new(MockSessionService), nil, nil, nil)

	w := doJSON(router, http.MethodGet, "/api/v1/session/history", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"history":[]}`, w.Body.String())
}

func TestSessionHandler_PostCommand(t *testing.T) {
	session := new(MockSessionService)
	session.On("Execute", mock.Anything, "0").
		Return(ports.CommandResult{Command: "0", Notice: "Disabling simulcast", Policy: "relay_one(1)", Layers: 1}, nil)
	session.On("CallState").Return(streamingState())
	router := newTestRouter(t, session, nil, nil, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/session/commands", CommandRequest{Command: " 0 "})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Disabling simulcast")
	session.AssertExpectations(t)
}

func TestSessionHandler_PostQuality(t *testing.T) {
	session := new(MockSessionService)
	session.On("Execute", mock.Anything, "2").Return(ports.CommandResult{Command: "2", Policy: "relay_one(2)"}, nil)
	session.On("CallState").Return(streamingState())
	router := newTestRouter(t, session, nil, nil, nil)

	w := doJSON(router, http.MethodPost, "/api/v1/session/commands", CommandRequest{Quality: "Medium"})

	require.Equal(t, http.StatusOK, w.Code)
	session.AssertExpectations(t)
}

func TestSessionHandler_PostCommandRejected(t *testing.T) {
	tests := []struct {
		name   string
		req    CommandRequest
		err    error
		status int
	}{
		{"empty", CommandRequest{}, nil, http.StatusBadRequest},
		{"unknown quality", CommandRequest{Quality: "ultra"}, nil, http.StatusBadRequest},
		{"invalid ssrc", CommandRequest{Command: "7"}, domain.ErrInvalidIdentifier, http.StatusBadRequest},
		{"session ended", CommandRequest{Command: "1"}, domain.ErrSessionEnded, http.StatusConflict},
		{"not streaming", CommandRequest{Command: "1"}, domain.ErrInvalidState, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockSessionService)
			if tt.err != nil {
				session.On("Execute", mock.Anything, tt.req.Command).Return(ports.CommandResult{Notice: "Invalid SSRC"}, tt.err)
			}
			router := newTestRouter(t, session, nil, nil, nil)

			w := doJSON(router, http.MethodPost, "/api/v1/session/commands", tt.req)

			assert.Equal(t, tt.status, w.Code)
			if tt.err == nil {
				session.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestSessionHandler_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(registry).RecordCommand("toggle", nil)
	router := newTestRouter(t, new(MockSessionService), nil, nil, registry)

	w := doJSON(router, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "commands_total")
}

func TestSessionHandler_NoMetricsWithoutGatherer(t *testing.T) {
	router := newTestRouter(t, new(MockSessionService), nil, nil, nil)

	w := doJSON(router, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
