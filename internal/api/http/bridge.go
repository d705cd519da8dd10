package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/emllm/port/internal/infrastructure/tracing"
	"github.com/emllm/port/internal/shared/types"
)

const (
	headerAppID   = "X-App-ID"
	transportREST = "rest"
)

// Call is the REST fallback: one request runs through the same dispatch as a
// persistent session, in a short-lived session keyed by app.
func (h *Handlers) Call(c *gin.Context) {
	requestID := tracing.RequestID(c.Request.Context())
	if requestID == "" {
		requestID = c.GetHeader(tracing.HeaderRequestID)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header(tracing.HeaderRequestID, requestID)

	params, err := h.readParams(c)
	if err != nil {
		h.respondEnvelope(c, types.NewErrorEnvelope(requestID, err))
		return
	}

	appID := c.GetHeader(headerAppID)
	s, _ := h.dispatcher.Open(transportREST, transportREST+":"+appID)
	defer h.dispatcher.Close(s, "request complete")

	if _, err := h.dispatcher.Authenticate(s, appID, bearer(c.GetHeader("Authorization")), nil); err != nil {
		h.respondEnvelope(c, types.NewErrorEnvelope(requestID, err))
		return
	}

	out := h.dispatcher.Call(s, &types.Envelope{
		Type:     types.MessageRequest,
		ID:       requestID,
		Protocol: c.Param("protocol"),
		Method:   c.Param("method"),
		Params:   params,
		AppID:    appID,
	})
	h.respondEnvelope(c, out)
}

func (h *Handlers) respondEnvelope(c *gin.Context, env *types.Envelope) {
	status := http.StatusOK
	if env.Error != nil {
		status = env.Error.HTTPStatus()
		setRetryAfter(c, env.Error)
	}
	c.JSON(status, env)
}

// readBody reads the request body under the configured size limit
func (h *Handlers) readBody(c *gin.Context) ([]byte, error) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, types.Errorf(types.CodeQuotaExceeded, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, types.Errorf(types.CodeValidation, "failed to read request body: %v", err)
	}
	return data, nil
}

// readParams decodes the body as a JSON object. An empty body is no params.
func (h *Handlers) readParams(c *gin.Context) (map[string]interface{}, error) {
	data, err := h.readBody(c)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return params, nil
	}
	if err := sonic.Unmarshal(data, &params); err != nil {
		return nil, types.NewError(types.CodeValidation, "request body must be a JSON object")
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
