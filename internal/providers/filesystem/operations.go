package filesystem

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// OperationsOps handles copy and move
type OperationsOps struct {
	*FilesystemOps
}

// GetTools returns file operation tool definitions
func (o *OperationsOps) GetTools() []types.Tool {
	params := []types.Parameter{
		{Name: "source", Type: "string", Description: "Source path", Required: true},
		{Name: "destination", Type: "string", Description: "Destination path", Required: true},
		{Name: "overwrite", Type: "boolean", Description: "Replace an existing destination"},
	}
	return []types.Tool{
		{
			ID:          "copyFile",
			Name:        "Copy File",
			Description: "Copy a file",
			Parameters:  params,
			Returns:     "object",
			Permission:  PermWrite,
		},
		{
			ID:          "moveFile",
			Name:        "Move File",
			Description: "Move or rename a file or directory",
			Parameters:  params,
			Returns:     "object",
			Permission:  PermWrite,
		},
	}
}

type transfer struct {
	src, dst  resolved
	overwrite bool
}

// prepare checks srcPerm on the source and filesystem.write on the destination
func (o *OperationsOps) prepare(params map[string]interface{}, appCtx *types.Context, srcPerm string) (transfer, error) {
	source, err := utils.GetString(params, "source", true)
	if err != nil {
		return transfer{}, err
	}
	destination, err := utils.GetString(params, "destination", true)
	if err != nil {
		return transfer{}, err
	}

	src, err := o.access(appCtx, srcPerm, source)
	if err != nil {
		return transfer{}, err
	}
	dst, err := o.access(appCtx, PermWrite, destination)
	if err != nil {
		return transfer{}, err
	}
	if src.isRoot() || dst.isRoot() {
		return transfer{}, types.NewError(types.CodeValidation, "the sandbox root cannot be copied or moved")
	}

	t := transfer{src: src, dst: dst, overwrite: utils.GetBool(params, "overwrite", false)}
	if _, err := os.Lstat(dst.abs); err == nil && !t.overwrite {
		return transfer{}, types.Errorf(types.CodeValidation, "destination exists: %s", destination)
	}
	return t, nil
}

// CopyFile copies a single file
func (o *OperationsOps) CopyFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	t, err := o.prepare(params, appCtx, PermRead)
	if err != nil {
		return nil, err
	}
	if err := o.checkExtension(t.src); err != nil {
		return nil, err
	}
	if err := o.checkExtension(t.dst); err != nil {
		return nil, err
	}

	info, err := os.Stat(t.src.abs)
	if err != nil {
		return nil, statError(t.src, err)
	}
	if info.IsDir() {
		return nil, types.Errorf(types.CodeValidation, "is a directory: %s", t.src.request)
	}
	if info.Size() > o.cfg.MaxFileSize {
		return nil, o.sizeError(t.src.request, info.Size())
	}

	data, err := os.ReadFile(t.src.abs)
	if err != nil {
		return nil, statError(t.src, err)
	}
	if err := os.MkdirAll(filepath.Dir(t.dst.abs), 0o755); err != nil {
		return nil, statError(t.dst, err)
	}
	if err := utils.WriteFileAtomic(t.dst.abs, data, info.Mode().Perm()); err != nil {
		return nil, statError(t.dst, err)
	}

	return map[string]interface{}{
		"source":      t.src.request,
		"destination": t.dst.request,
		"size":        len(data),
	}, nil
}

// MoveFile renames a file or directory
func (o *OperationsOps) MoveFile(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	t, err := o.prepare(params, appCtx, PermWrite)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(t.src.abs)
	if err != nil {
		return nil, statError(t.src, err)
	}
	if !info.IsDir() {
		if err := o.checkExtension(t.dst); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(t.dst.abs), 0o755); err != nil {
		return nil, statError(t.dst, err)
	}
	if t.overwrite {
		if err := os.RemoveAll(t.dst.abs); err != nil {
			return nil, statError(t.dst, err)
		}
	}
	if err := os.Rename(t.src.abs, t.dst.abs); err != nil {
		return nil, statError(t.src, err)
	}

	o.logger.Debug("Path moved",
		zap.String("app_id", appCtx.AppID),
		zap.String("source", t.src.request),
		zap.String("destination", t.dst.request),
	)
	return map[string]interface{}{
		"source":      t.src.request,
		"destination": t.dst.request,
		"moved":       true,
	}, nil
}
