package http

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/emllm/port/internal/domain/sandbox"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

const (
	encodingUTF8   = "utf8"
	encodingBase64 = "base64"
)

// loadRequest carries a manifest and the app bundle. Files are keyed by
// bundle-relative path.
type loadRequest struct {
	Manifest *sandbox.Manifest `json:"manifest"`
	Files    map[string]string `json:"files"`
	Encoding string            `json:"encoding"`
}

type applyPolicyRequest struct {
	Name string `json:"name"`
}

type interactRequest struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// ListInstances lists sandbox instances
func (h *Handlers) ListInstances(c *gin.Context) {
	instances := h.sandboxes.List()
	c.JSON(http.StatusOK, gin.H{
		"instances": instances,
		"count":     len(instances),
	})
}

// LoadInstance starts a new instance from a manifest and its files
func (h *Handlers) LoadInstance(c *gin.Context) {
	data, err := h.readBody(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req loadRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		h.respondError(c, types.Errorf(types.CodeValidation, "invalid load body: %v", err))
		return
	}
	files, err := decodeFiles(req.Files, req.Encoding)
	if err != nil {
		h.respondError(c, err)
		return
	}

	container, err := h.sandboxes.Load(c.Request.Context(), req.Manifest, files)
	if err != nil {
		e := types.AsError(err)
		if container == nil {
			h.respondError(c, e)
			return
		}
		setRetryAfter(c, e)
		c.JSON(e.HTTPStatus(), gin.H{"error": e, "instance": container.Info()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"instance": container.Info()})
}

func decodeFiles(in map[string]string, encoding string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(in))
	for name, content := range in {
		switch encoding {
		case "", encodingUTF8:
			out[name] = []byte(content)
		case encodingBase64:
			b, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, types.Errorf(types.CodeValidation, "file %s is not valid base64", name).
					WithDetail("file", name)
			}
			out[name] = b
		default:
			return nil, types.Errorf(types.CodeValidation, "unsupported encoding %q", encoding)
		}
	}
	return out, nil
}

// GetInstance returns an instance with its console output
func (h *Handlers) GetInstance(c *gin.Context) {
	container, ok := h.instance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance": container.Info(),
		"console":  container.Console(),
	})
}

// ServeInstanceFile serves a bundle file under the instance's isolation policy
func (h *Handlers) ServeInstanceFile(c *gin.Context) {
	container, ok := h.instance(c)
	if !ok {
		return
	}
	rel := strings.TrimPrefix(c.Param("path"), "/")
	if rel == "" || paths.HasTraversal(rel) {
		h.respondError(c, types.NewError(types.CodeValidation, "invalid file path").WithDetail("path", rel))
		return
	}
	dir := container.Dir()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if !paths.Within(dir, full) {
		h.respondError(c, types.NewError(types.CodeValidation, "invalid file path").WithDetail("path", rel))
		return
	}

	f, err := os.Open(full)
	if err != nil {
		h.respondError(c, types.Errorf(types.CodeNotFound, "file not found: %s", rel).WithDetail("path", rel))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		h.respondError(c, types.Errorf(types.CodeNotFound, "file not found: %s", rel).WithDetail("path", rel))
		return
	}

	c.Header("Content-Security-Policy", container.Policy().CSP())
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// PauseInstance pauses a running instance
func (h *Handlers) PauseInstance(c *gin.Context) {
	h.lifecycle(c, h.sandboxes.Pause)
}

// ResumeInstance resumes a paused instance
func (h *Handlers) ResumeInstance(c *gin.Context) {
	h.lifecycle(c, h.sandboxes.Resume)
}

// StopInstance stops an instance
func (h *Handlers) StopInstance(c *gin.Context) {
	h.lifecycle(c, h.sandboxes.Stop)
}

func (h *Handlers) lifecycle(c *gin.Context, op func(ctx context.Context, instanceID string) error) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	container, ok := h.sandboxes.Get(id)
	if !ok {
		h.respondError(c, types.Errorf(types.CodeNotFound, "instance not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": container.Info()})
}

// InteractInstance delivers an interaction event to the instance's handlers
func (h *Handlers) InteractInstance(c *gin.Context) {
	data, err := h.readBody(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req interactRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		h.respondError(c, types.Errorf(types.CodeValidation, "invalid event body: %v", err))
		return
	}

	d, err := h.sandboxes.Interact(c.Request.Context(), c.Param("id"), req.Event, req.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

// RemoveInstance stops an instance and removes its app area
func (h *Handlers) RemoveInstance(c *gin.Context) {
	id := c.Param("id")
	if err := h.sandboxes.Remove(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instanceId": id, "removed": true})
}

// ListPolicies lists registered resource policies
func (h *Handlers) ListPolicies(c *gin.Context) {
	policies := h.sandboxes.Policies()
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// RegisterPolicy adds or replaces a resource policy
func (h *Handlers) RegisterPolicy(c *gin.Context) {
	data, err := h.readBody(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var policy sandbox.ResourcePolicy
	if err := sonic.Unmarshal(data, &policy); err != nil {
		h.respondError(c, types.Errorf(types.CodeValidation, "invalid policy body: %v", err))
		return
	}
	if err := h.sandboxes.RegisterPolicy(policy); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": policy})
}

// ApplyPolicy applies a registered resource policy to an instance
func (h *Handlers) ApplyPolicy(c *gin.Context) {
	data, err := h.readBody(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req applyPolicyRequest
	if err := sonic.Unmarshal(data, &req); err != nil || req.Name == "" {
		h.respondError(c, types.NewError(types.CodeValidation, "body must be {\"name\": \"<policy>\"}"))
		return
	}
	id := c.Param("id")
	if err := h.sandboxes.ApplyPolicy(id, req.Name); err != nil {
		h.respondError(c, err)
		return
	}
	container, ok := h.sandboxes.Get(id)
	if !ok {
		h.respondError(c, types.Errorf(types.CodeNotFound, "instance not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": container.Info()})
}

// SandboxEvents streams container state and monitor events
func (h *Handlers) SandboxEvents(c *gin.Context) {
	events, cancel := h.sandboxes.Subscribe(h.opts.EventBuffer)
	defer cancel()

	stream(c, events, h.opts.Heartbeat,
		func(e sandbox.Event) string { return e.Type },
		gin.H{"instances": h.sandboxes.List()},
	)
}

func (h *Handlers) instance(c *gin.Context) (*sandbox.Container, bool) {
	id := c.Param("id")
	container, ok := h.sandboxes.Get(id)
	if !ok {
		h.respondError(c, types.Errorf(types.CodeNotFound, "instance not found: %s", id))
		return nil, false
	}
	return container, true
}
