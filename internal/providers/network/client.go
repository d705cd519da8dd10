package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/emllm/port/internal/shared/types"
)

var errBlockedAddress = errors.New("address blocked by network policy")

type ctxKey int

const (
	noRetryKey ctxKey = iota
	appIDKey
)

const maxRedirects = 5

// newClient builds resty over a retryablehttp round tripper whose dialer
// refuses blocked addresses, so names resolving to loopback are caught too.
func (p *Provider) newClient() *resty.Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 2
	retry.RetryWaitMin = 200 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.Logger = nil
	retry.CheckRetry = checkRetry
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Redirects are followed by the outer client so the host policy sees every hop
	retry.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	if t, ok := retry.HTTPClient.Transport.(*http.Transport); ok {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		if p.cfg.BlockLoopback {
			dialer.Control = guardDial
		}
		t.DialContext = dialer.DialContext
		// A proxy would dial on our behalf and bypass the guard
		t.Proxy = nil
	}

	client := resty.NewWithClient(retry.StandardClient())
	client.
		SetHeader("User-Agent", "port-bridge/1.0").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			host := strings.ToLower(req.URL.Hostname())
			if err := p.checkHost(host); err != nil {
				return err
			}
			return p.authorizeHop(req.Context(), host)
		}))
	return client
}

// authorizeHop requires a fetch grant for every host a redirect reaches
func (p *Provider) authorizeHop(ctx context.Context, host string) error {
	appID, _ := ctx.Value(appIDKey).(string)
	if appID == "" || p.auth == nil || !p.auth.HasPermission(appID, PermFetch, host) {
		return types.Errorf(types.CodePermissionDenied, "redirect to ungranted host: %s", host).
			WithDetail("permission", PermFetch).
			WithDetail("resource", host)
	}
	return nil
}

// checkRetry retries idempotent requests on transient failures only
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if errors.Is(err, errBlockedAddress) {
		return false, err
	}
	if ctx.Value(noRetryKey) != nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return fmt.Errorf("%w: %s", errBlockedAddress, ip)
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast()
}
