package network

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/resilience"
	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
}

// Headers an app may not set
var strippedHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"content-length":      true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"te":                  true,
	"trailer":             true,
	"keep-alive":          true,
	"proxy-authorization": true,
	"proxy-connection":    true,
}

// upstreamError marks a 5xx so the breaker counts it while the app still gets the response
type upstreamError struct{ status int }

func (e *upstreamError) Error() string { return http.StatusText(e.status) }

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func (p *Provider) fetch(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	rawURL, err := utils.GetString(params, "url", true)
	if err != nil {
		return nil, err
	}
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	host := strings.ToLower(target.Hostname())

	if err := types.Require(p.auth, appCtx, PermFetch, host); err != nil {
		return nil, err
	}
	if err := p.checkHost(host); err != nil {
		return nil, err
	}

	method, err := utils.GetString(params, "method", false)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, types.Errorf(types.CodeValidation, "unsupported method: %s", method)
	}

	headers, err := headerParam(params)
	if err != nil {
		return nil, err
	}
	body, contentType, err := p.bodyParam(params)
	if err != nil {
		return nil, err
	}
	timeout, err := p.timeoutParam(params)
	if err != nil {
		return nil, err
	}

	release, err := p.admit(appCtx.AppID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = context.WithValue(ctx, appIDKey, appCtx.AppID)
	if !idempotent(method) {
		ctx = context.WithValue(ctx, noRetryKey, true)
	}

	req := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(headers)
	if body != nil {
		req.SetBody(body)
		if _, ok := headers["Content-Type"]; !ok && contentType != "" {
			req.SetHeader("Content-Type", contentType)
		}
	}

	start := time.Now()
	var resp *resty.Response
	err = p.breakers.Do(host, func() error {
		r, err := req.Execute(method, target.String())
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode() >= http.StatusInternalServerError {
			return &upstreamError{status: r.StatusCode()}
		}
		return nil
	})

	var upstream *upstreamError
	var open *resilience.OpenError
	switch {
	case err == nil, errors.As(err, &upstream):
	case errors.As(err, &open):
		e := types.Errorf(types.CodeRateLimited, "upstream %s is failing; circuit open", host)
		e.RetryAfterMs = max(open.RetryAfter.Milliseconds(), 1)
		return nil, e
	default:
		return nil, p.transportError(ctx, appCtx, host, err)
	}

	raw := resp.RawBody()
	defer raw.Close()

	if cl := resp.RawResponse.ContentLength; cl > p.cfg.MaxResponseSize {
		return nil, p.responseTooLarge(cl)
	}
	data, err := io.ReadAll(io.LimitReader(raw, p.cfg.MaxResponseSize+1))
	if err != nil {
		return nil, p.transportError(ctx, appCtx, host, err)
	}
	if int64(len(data)) > p.cfg.MaxResponseSize {
		return nil, p.responseTooLarge(int64(len(data)))
	}

	status := resp.StatusCode()
	p.logger.Debug("Fetch completed",
		zap.String("app_id", appCtx.AppID),
		zap.String("host", host),
		zap.String("method", method),
		zap.Int("status", status),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	result := map[string]interface{}{
		"url":        resp.RawResponse.Request.URL.String(),
		"status":     status,
		"statusText": http.StatusText(status),
		"ok":         status >= 200 && status < 300,
		"headers":    flattenHeaders(resp.Header()),
		"size":       len(data),
		"durationMs": time.Since(start).Milliseconds(),
	}
	if utf8.Valid(data) {
		result["body"] = string(data)
		result["encoding"] = "utf8"
	} else {
		result["body"] = base64.StdEncoding.EncodeToString(data)
		result["encoding"] = "base64"
	}
	return result, nil
}

func (p *Provider) responseTooLarge(size int64) error {
	return types.Errorf(types.CodeQuotaExceeded, "response exceeds %d bytes", p.cfg.MaxResponseSize).
		WithDetail("maxResponseSize", p.cfg.MaxResponseSize).
		WithDetail("size", size)
}

func (p *Provider) transportError(ctx context.Context, appCtx *types.Context, host string, err error) error {
	switch {
	case errors.Is(err, errBlockedAddress):
		return types.Errorf(types.CodePermissionDenied, "%s resolves to a blocked address", host)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return types.Errorf(types.CodeTimeout, "request to %s timed out", host)
	case errors.As(err, new(*types.Error)):
		// redirect policy rejections
		return types.AsError(err)
	}
	p.logger.Warn("Fetch failed",
		zap.String("app_id", appCtx.AppID),
		zap.String("host", host),
		zap.Error(err),
	)
	return types.Errorf(types.CodeInternal, "request to %s failed: %v", host, err)
}

func headerParam(params map[string]interface{}) (map[string]string, error) {
	raw, ok := params["headers"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}
	in, ok := raw.(map[string]interface{})
	if !ok {
		return nil, types.NewError(types.CodeValidation, "headers must be an object")
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if strippedHeaders[strings.ToLower(k)] {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, types.Errorf(types.CodeValidation, "header %s must be a string", k)
		}
		out[http.CanonicalHeaderKey(k)] = s
	}
	return out, nil
}

// bodyParam encodes the body and enforces the request size limit before anything is sent
func (p *Provider) bodyParam(params map[string]interface{}) ([]byte, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}

	var (
		data        []byte
		contentType string
	)
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := sonic.Marshal(v)
		if err != nil {
			return nil, "", types.Errorf(types.CodeValidation, "body is not JSON-serializable: %v", err)
		}
		data, contentType = encoded, "application/json"
	}

	if int64(len(data)) > p.cfg.MaxRequestSize {
		return nil, "", types.Errorf(types.CodeQuotaExceeded, "request body exceeds %d bytes", p.cfg.MaxRequestSize).
			WithDetail("size", len(data)).
			WithDetail("maxRequestSize", p.cfg.MaxRequestSize)
	}
	return data, contentType, nil
}

// timeoutParam returns the requested timeout capped at the configured one
func (p *Provider) timeoutParam(params map[string]interface{}) (time.Duration, error) {
	ms, err := utils.GetNumber(params, "timeout", false)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return p.cfg.Timeout, nil
	}
	return min(time.Duration(ms)*time.Millisecond, p.cfg.Timeout), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
