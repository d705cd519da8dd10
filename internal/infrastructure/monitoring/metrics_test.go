package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordPanic("storage")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.HandlerPanics.WithLabelValues("storage")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HandlerPanics.WithLabelValues("storage")))
}

func TestTimerRecordsBridgeRequest(t *testing.T) {
	m := NewMetrics()
	NewTimer(m, "storage", "getItem").Stop("success")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues("storage", "getItem", "success")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/metrics", gin.WrapH(m.Handler()))

	m.RecordPermissionDecision("auto-granted", true)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "port_permission_decisions_total")
}
