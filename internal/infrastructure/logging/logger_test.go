package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", OutputPaths: []string{"stdout"}})
	assert.Error(t, err)
}

func TestNewLevels(t *testing.T) {
	l, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	dev := NewDevelopment()
	assert.True(t, dev.Core().Enabled(zap.DebugLevel))
}

func TestDerivedLoggersShareLevel(t *testing.T) {
	root, err := New(DefaultConfig())
	require.NoError(t, err)
	child := root.Named("bridge").With(zap.String("app_id", "notes"))

	assert.False(t, child.Core().Enabled(zap.DebugLevel))
	require.NoError(t, root.SetLevel("debug"))
	assert.True(t, child.Core().Enabled(zap.DebugLevel))
	assert.Equal(t, "debug", child.Level())

	assert.Error(t, child.SetLevel("loud"))
	assert.Equal(t, "debug", root.Level())
}

func TestLevelHandler(t *testing.T) {
	l, err := New(DefaultConfig())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"level":"error"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	l.LevelHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "error", l.Level())
	assert.False(t, l.Core().Enabled(zap.WarnLevel))
}

func TestNopIsSafe(t *testing.T) {
	l := NewNop().Named("x")
	l.Info("dropped")
	assert.NoError(t, l.Sync())
	assert.NoError(t, l.SetLevel("debug"))
}
