package filesystem

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// BasicOps handles single-file operations
type BasicOps struct {
	*FilesystemOps
}

// GetTools returns basic file operation tool definitions
func (b *BasicOps) GetTools() []types.Tool {
	path := types.Parameter{Name: "path", Type: "string", Description: "File path", Required: true}
	encoding := types.Parameter{Name: "encoding", Type: "string", Description: "utf8 (default) or base64"}
	content := types.Parameter{Name: "content", Type: "string", Description: "File content", Required: true}

	return []types.Tool{
		{
			ID:          "readFile",
			Name:        "Read File",
			Description: "Read file contents",
			Parameters:  []types.Parameter{path, encoding},
			Returns:     "object",
			Permission:  PermRead,
		},
		{
			ID:          "writeFile",
			Name:        "Write File",
			Description: "Write data to file (overwrites existing)",
			Parameters:  []types.Parameter{path, content, encoding},
			Returns:     "object",
			Permission:  PermWrite,
		},
		{
			ID:          "appendFile",
			Name:        "Append to File",
			Description: "Append data to end of file",
			Parameters:  []types.Parameter{path, content, encoding},
			Returns:     "object",
			Permission:  PermWrite,
		},
		{
			ID:          "deleteFile",
			Name:        "Delete File",
			Description: "Delete a file or directory",
			Parameters: []types.Parameter{
				path,
				{Name: "recursive", Type: "boolean", Description: "Delete non-empty directories"},
			},
			Returns:    "object",
			Permission: PermWrite,
		},
		{
			ID:          "exists",
			Name:        "Check Existence",
			Description: "Check if a file or directory exists",
			Parameters:  []types.Parameter{path},
			Returns:     "object",
			Permission:  PermRead,
		},
		{
			ID:          "mkdir",
			Name:        "Create Directory",
			Description: "Create a directory",
			Parameters: []types.Parameter{
				path,
				{Name: "recursive", Type: "boolean", Description: "Create parents (default true)"},
			},
			Returns:    "object",
			Permission: PermWrite,
		},
	}
}

// ReadFile reads file contents
func (b *BasicOps) ReadFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	encoding, err := encodingParam(params)
	if err != nil {
		return nil, err
	}
	r, err := b.access(appCtx, PermRead, path)
	if err != nil {
		return nil, err
	}
	if err := b.checkExtension(r); err != nil {
		return nil, err
	}

	info, err := os.Stat(r.abs)
	if err != nil {
		return nil, statError(r, err)
	}
	if info.IsDir() {
		return nil, types.Errorf(types.CodeValidation, "is a directory: %s", path)
	}
	if info.Size() > b.cfg.MaxFileSize {
		return nil, b.sizeError(path, info.Size())
	}

	data, err := os.ReadFile(r.abs)
	if err != nil {
		return nil, statError(r, err)
	}

	return map[string]interface{}{
		"path":     path,
		"content":  encodeContent(data, encoding),
		"encoding": encoding,
		"size":     len(data),
	}, nil
}

// WriteFile writes data to file, replacing it atomically
func (b *BasicOps) WriteFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	data, err := contentParam(params)
	if err != nil {
		return nil, err
	}
	r, err := b.access(appCtx, PermWrite, path)
	if err != nil {
		return nil, err
	}
	if err := b.checkExtension(r); err != nil {
		return nil, err
	}
	if int64(len(data)) > b.cfg.MaxFileSize {
		return nil, b.sizeError(path, int64(len(data)))
	}

	created := true
	if info, err := os.Stat(r.abs); err == nil {
		if info.IsDir() {
			return nil, types.Errorf(types.CodeValidation, "is a directory: %s", path)
		}
		created = false
	}

	if err := os.MkdirAll(filepath.Dir(r.abs), 0o755); err != nil {
		return nil, statError(r, err)
	}
	if err := utils.WriteFileAtomic(r.abs, data, 0o644); err != nil {
		return nil, statError(r, err)
	}

	b.logger.Debug("File written",
		zap.String("app_id", appCtx.AppID),
		zap.String("path", path),
		zap.Int("size", len(data)),
	)
	return map[string]interface{}{"path": path, "size": len(data), "created": created}, nil
}

// AppendFile appends data to a file, creating it when missing
func (b *BasicOps) AppendFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	data, err := contentParam(params)
	if err != nil {
		return nil, err
	}
	r, err := b.access(appCtx, PermWrite, path)
	if err != nil {
		return nil, err
	}
	if err := b.checkExtension(r); err != nil {
		return nil, err
	}

	var current int64
	info, err := os.Stat(r.abs)
	switch {
	case err == nil && info.IsDir():
		return nil, types.Errorf(types.CodeValidation, "is a directory: %s", path)
	case err == nil:
		current = info.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return nil, statError(r, err)
	}
	projected := current + int64(len(data))
	if projected > b.cfg.MaxFileSize {
		return nil, b.sizeError(path, projected)
	}

	if err := os.MkdirAll(filepath.Dir(r.abs), 0o755); err != nil {
		return nil, statError(r, err)
	}
	f, err := os.OpenFile(r.abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, statError(r, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, statError(r, err)
	}
	if err := f.Close(); err != nil {
		return nil, statError(r, err)
	}

	return map[string]interface{}{"path": path, "appended": len(data), "size": projected}, nil
}

// DeleteFile removes a file or directory. The sandbox root itself is never deleted.
func (b *BasicOps) DeleteFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	recursive := utils.GetBool(params, "recursive", false)

	r, err := b.access(appCtx, PermWrite, path)
	if err != nil {
		return nil, err
	}
	if r.isRoot() {
		return nil, types.NewError(types.CodeValidation, "cannot delete the sandbox root")
	}

	info, err := os.Lstat(r.abs)
	if err != nil {
		return nil, statError(r, err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(r.abs)
		if err != nil {
			return nil, statError(r, err)
		}
		if len(entries) > 0 && !recursive {
			return nil, types.Errorf(types.CodeValidation, "directory not empty: %s", path)
		}
		err = os.RemoveAll(r.abs)
		if err != nil {
			return nil, statError(r, err)
		}
	} else if err := os.Remove(r.abs); err != nil {
		return nil, statError(r, err)
	}

	b.logger.Debug("Path deleted",
		zap.String("app_id", appCtx.AppID),
		zap.String("path", path),
		zap.Bool("dir", info.IsDir()),
	)
	return map[string]interface{}{"path": path, "deleted": true}, nil
}

// Exists reports whether a path exists
func (b *BasicOps) Exists(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	r, err := b.access(appCtx, PermRead, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(r.abs)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]interface{}{"path": path, "exists": false, "isDir": false}, nil
	}
	if err != nil {
		return nil, statError(r, err)
	}
	return map[string]interface{}{"path": path, "exists": true, "isDir": info.IsDir()}, nil
}

// Mkdir creates a directory
func (b *BasicOps) Mkdir(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	recursive := utils.GetBool(params, "recursive", true)

	r, err := b.access(appCtx, PermWrite, path)
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(r.abs); err == nil {
		if !info.IsDir() {
			return nil, types.Errorf(types.CodeValidation, "file exists: %s", path)
		}
		return map[string]interface{}{"path": path, "created": false}, nil
	}

	if recursive {
		err = os.MkdirAll(r.abs, 0o755)
	} else {
		err = os.Mkdir(r.abs, 0o755)
	}
	if err != nil {
		return nil, statError(r, err)
	}
	return map[string]interface{}{"path": path, "created": true}, nil
}

func (ops *FilesystemOps) sizeError(path string, size int64) error {
	return types.Errorf(types.CodeQuotaExceeded, "%s: %d bytes exceeds max file size %d", path, size, ops.cfg.MaxFileSize).
		WithDetail("size", size).
		WithDetail("maxFileSize", ops.cfg.MaxFileSize)
}

func encodingParam(params map[string]interface{}) (string, error) {
	encoding, err := utils.GetString(params, "encoding", false)
	if err != nil {
		return "", err
	}
	switch encoding {
	case "", "utf-8", EncodingUTF8:
		return EncodingUTF8, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", types.Errorf(types.CodeValidation, "unsupported encoding: %s", encoding)
	}
}

// contentParam decodes the content parameter; an empty string is valid content
func contentParam(params map[string]interface{}) ([]byte, error) {
	encoding, err := encodingParam(params)
	if err != nil {
		return nil, err
	}
	raw, ok := params["content"]
	if !ok || raw == nil {
		return nil, types.NewError(types.CodeValidation, "content parameter required")
	}
	content, ok := raw.(string)
	if !ok {
		return nil, types.NewError(types.CodeValidation, "content must be string")
	}
	if encoding == EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, types.Errorf(types.CodeValidation, "invalid base64 content: %v", err)
		}
		return data, nil
	}
	return []byte(content), nil
}

func encodeContent(data []byte, encoding string) string {
	if encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}
