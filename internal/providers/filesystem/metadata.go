package filesystem

import (
	"context"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// MetadataOps handles file metadata
type MetadataOps struct {
	*FilesystemOps
}

// GetTools returns metadata tool definitions
func (m *MetadataOps) GetTools() []types.Tool {
	return []types.Tool{
		{
			ID:          "stat",
			Name:        "File Stats",
			Description: "Get file metadata including MIME type",
			Parameters: []types.Parameter{
				{Name: "path", Type: "string", Description: "File or directory path", Required: true},
			},
			Returns:    "object",
			Permission: PermRead,
		},
	}
}

// Stat returns metadata for a path. MIME type detection reads at most the file header.
func (m *MetadataOps) Stat(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", true)
	if err != nil {
		return nil, err
	}
	r, err := m.access(appCtx, PermRead, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(r.abs)
	if err != nil {
		return nil, statError(r, err)
	}

	result := map[string]interface{}{
		"path":         path,
		"name":         info.Name(),
		"size":         info.Size(),
		"isDir":        info.IsDir(),
		"mode":         info.Mode().String(),
		"permissions":  info.Mode().Perm().String(),
		"modified":     info.ModTime().UTC(),
		"modifiedUnix": info.ModTime().Unix(),
	}
	if !info.IsDir() {
		if mtype, err := mimetype.DetectFile(r.abs); err == nil {
			result["mimeType"] = mtype.String()
			result["extension"] = mtype.Extension()
		}
	}
	return result, nil
}
