package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/shared/types"
)

var allowAll = types.AuthorizerFunc(func(appID, permission, resource string) bool { return true })

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockLoopback = false
	return cfg
}

func appCtx(appID string) *types.Context {
	return &types.Context{SessionID: "sess_test", AppID: appID, RequestID: "1"}
}

func fetch(p *Provider, appID string, params map[string]interface{}) (map[string]interface{}, error) {
	return p.Execute(context.Background(), "fetch", params, appCtx(appID))
}

func TestFetchGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("X-Reply", "ok")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p := NewProvider(testConfig(), allowAll, nil)
	res, err := fetch(p, "a", map[string]interface{}{
		"url":     srv.URL + "/path",
		"headers": map[string]interface{}{"x-test": "yes", "Host": "evil"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res["status"])
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, "hello", res["body"])
	assert.Equal(t, "utf8", res["encoding"])
	assert.Equal(t, "ok", res["headers"].(map[string]string)["X-Reply"])
}

func TestFetchPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		io.Copy(w, r.Body)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(), allowAll, nil)
	res, err := fetch(p, "a", map[string]interface{}{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]interface{}{"n": 1.0},
	})
	require.NoError(t, err)

	var echoed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res["body"].(string)), &echoed))
	assert.Equal(t, 1.0, echoed["n"])
}

func TestPermissionResourceIsHost(t *testing.T) {
	var resources []string
	auth := types.AuthorizerFunc(func(appID, permission, resource string) bool {
		resources = append(resources, permission+":"+resource)
		return false
	})
	p := NewProvider(testConfig(), auth, nil)

	_, err := fetch(p, "a", map[string]interface{}{"url": "https://API.Example.com:8443/v1?q=1"})
	assert.True(t, types.IsCode(err, types.CodePermissionDenied))
	assert.Equal(t, []string{"network.fetch:api.example.com"}, resources)
}

func TestURLValidation(t *testing.T) {
	p := NewProvider(testConfig(), allowAll, nil)
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.com", "javascript:alert(1)", "http://", "https://user:pw@example.com", "::"} {
		_, err := fetch(p, "a", map[string]interface{}{"url": raw})
		assert.True(t, types.IsCode(err, types.CodeValidation), raw)
	}

	_, err := fetch(p, "a", map[string]interface{}{"url": "https://example.com", "method": "TRACE"})
	assert.True(t, types.IsCode(err, types.CodeValidation))
}

func TestDomainLists(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedDomains = []string{"*.example.com", "example.com"}
	cfg.BlockedDomains = []string{"ads.example.com"}
	p := NewProvider(cfg, allowAll, nil)

	for host, allowed := range map[string]bool{
		"example.com":      true,
		"api.example.com":  true,
		"ads.example.com":  false,
		"example.org":      false,
		"badexample.com":   false,
		"EXAMPLE.COM.":     true,
		"a.b.example.com":  true,
		"ads.example.com.": false,
	} {
		err := p.checkHost(host)
		if allowed {
			assert.NoError(t, err, host)
		} else {
			assert.True(t, types.IsCode(err, types.CodePermissionDenied), host)
		}
	}
}

func TestLoopbackBlocked(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := NewProvider(DefaultConfig(), allowAll, nil)
	for _, raw := range []string{srv.URL, "http://localhost:1/", "http://[::1]:1/", "http://169.254.169.254/latest", "http://0.0.0.0:1/", "http://app.localhost/"} {
		_, err := fetch(p, "a", map[string]interface{}{"url": raw})
		assert.True(t, types.IsCode(err, types.CodePermissionDenied), raw)
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestGuardDial(t *testing.T) {
	assert.ErrorIs(t, guardDial("tcp", "127.0.0.1:80", nil), errBlockedAddress)
	assert.ErrorIs(t, guardDial("tcp6", "[::1]:443", nil), errBlockedAddress)
	assert.ErrorIs(t, guardDial("tcp", "169.254.1.1:80", nil), errBlockedAddress)
	assert.NoError(t, guardDial("tcp", "93.184.216.34:443", nil))
}

func TestRedirectToBlockedDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://tracker.test/collect", http.StatusFound)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BlockedDomains = []string{"tracker.test"}
	p := NewProvider(cfg, allowAll, nil)

	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
	assert.True(t, types.IsCode(err, types.CodePermissionDenied), "got %v", err)
}

func TestRedirectNeedsGrantForEachHost(t *testing.T) {
	var reachedOther atomic.Bool
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reachedOther.Store(true)
		w.Write([]byte("secret"))
	}))
	defer other.Close()
	otherURL, err := url.Parse(other.URL)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:"+otherURL.Port()+"/data", http.StatusFound)
	}))
	defer srv.Close()

	onlyOrigin := types.AuthorizerFunc(func(appID, permission, resource string) bool {
		return permission == PermFetch && resource == "127.0.0.1"
	})
	p := NewProvider(testConfig(), onlyOrigin, nil)

	_, err = fetch(p, "a", map[string]interface{}{"url": srv.URL})
	assert.True(t, types.IsCode(err, types.CodePermissionDenied), "got %v", err)
	assert.False(t, reachedOther.Load())
}

func TestRedirectWithinGrantedHosts(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved"))
	}))
	defer other.Close()
	otherURL, err := url.Parse(other.URL)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost:"+otherURL.Port()+"/", http.StatusFound)
	}))
	defer srv.Close()

	granted := types.AuthorizerFunc(func(appID, permission, resource string) bool {
		return appID == "a" && (resource == "127.0.0.1" || resource == "localhost")
	})
	p := NewProvider(testConfig(), granted, nil)

	res, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "moved", res["body"])
}

func TestRequestSizeCheckedBeforeSending(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRequestSize = 10
	p := NewProvider(cfg, allowAll, nil)

	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL, "method": "POST", "body": strings.Repeat("x", 11)})
	assert.True(t, types.IsCode(err, types.CodeQuotaExceeded))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestResponseSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chunked" {
			for i := 0; i < 4; i++ {
				w.Write([]byte(strings.Repeat("y", 512)))
				w.(http.Flusher).Flush()
			}
			return
		}
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxResponseSize = 1024
	p := NewProvider(cfg, allowAll, nil)

	for _, path := range []string{"/fixed", "/chunked"} {
		_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL + path})
		assert.True(t, types.IsCode(err, types.CodeQuotaExceeded), path)
	}
}

func TestTokenBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RequestsPerMinute = 60
	cfg.BurstLimit = 2
	p := NewProvider(cfg, allowAll, nil)

	for i := 0; i < 2; i++ {
		_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
		require.NoError(t, err)
	}
	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
	require.True(t, types.IsCode(err, types.CodeRateLimited))
	assert.Positive(t, types.AsError(err).RetryAfterMs)

	// Buckets are per app
	_, err = fetch(p, "b", map[string]interface{}{"url": srv.URL})
	assert.NoError(t, err)
}

func TestConcurrencyCap(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	p := NewProvider(cfg, allowAll, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
		assert.NoError(t, err)
	}()
	<-entered

	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL})
	assert.True(t, types.IsCode(err, types.CodeRateLimited))

	close(release)
	wg.Wait()
}

func TestServerErrorsReachTheApp(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(), allowAll, nil)

	res, err := fetch(p, "a", map[string]interface{}{"url": srv.URL, "method": "POST", "body": "x"})
	require.NoError(t, err)
	assert.Equal(t, 503, res["status"])
	assert.Equal(t, false, res["ok"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "POST must not be retried")

	atomic.StoreInt32(&hits, 0)
	_, err = fetch(p, "a", map[string]interface{}{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "GET is retried")
}

func TestCircuitOpensPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(testConfig(), allowAll, nil)
	for i := 0; i < 5; i++ {
		_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL, "method": "POST"})
		require.NoError(t, err)
	}

	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL, "method": "POST"})
	require.True(t, types.IsCode(err, types.CodeRateLimited))

	u, _ := url.Parse(srv.URL)
	assert.Equal(t, "open", p.BreakerStates()[u.Hostname()])
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p := NewProvider(testConfig(), allowAll, nil)
	_, err := fetch(p, "a", map[string]interface{}{"url": srv.URL, "timeout": 50.0})
	assert.True(t, types.IsCode(err, types.CodeTimeout), "got %v", err)
}
