package filesystem

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"

	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// FileInfo represents a directory entry
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	IsDir     bool      `json:"isDir"`
	Mode      string    `json:"mode"`
	Modified  time.Time `json:"modified"`
	Extension string    `json:"extension,omitempty"`
}

func newFileInfo(rel string, info fs.FileInfo) FileInfo {
	fi := FileInfo{
		Name:     info.Name(),
		Path:     filepath.ToSlash(rel),
		Size:     info.Size(),
		IsDir:    info.IsDir(),
		Mode:     info.Mode().String(),
		Modified: info.ModTime().UTC(),
	}
	if !info.IsDir() {
		fi.Extension = strings.TrimPrefix(filepath.Ext(info.Name()), ".")
	}
	return fi
}

// DirectoryOps handles directory listings
type DirectoryOps struct {
	*FilesystemOps
}

// GetTools returns directory operation tool definitions
func (d *DirectoryOps) GetTools() []types.Tool {
	return []types.Tool{
		{
			ID:          "listFiles",
			Name:        "List Directory",
			Description: "List directory contents, optionally recursively",
			Parameters: []types.Parameter{
				{Name: "path", Type: "string", Description: "Directory path (default sandbox root)"},
				{Name: "recursive", Type: "boolean", Description: "Walk subdirectories"},
				{Name: "max_depth", Type: "number", Description: "Depth limit for recursive listings"},
			},
			Returns:    "object",
			Permission: PermRead,
		},
	}
}

// ListFiles lists a directory. Entry paths are relative to the listed directory.
func (d *DirectoryOps) ListFiles(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	path, err := utils.GetString(params, "path", false)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "/"
	}
	recursive := utils.GetBool(params, "recursive", false)
	depth, err := utils.GetNumber(params, "max_depth", false)
	if err != nil {
		return nil, err
	}
	maxDepth := int(depth)

	r, err := d.access(appCtx, PermRead, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(r.abs)
	if err != nil {
		return nil, statError(r, err)
	}
	if !info.IsDir() {
		return nil, types.Errorf(types.CodeValidation, "not a directory: %s", path)
	}

	var entries []FileInfo
	if recursive {
		entries, err = d.walk(ctx, r.abs, maxDepth)
	} else {
		entries, err = d.readDir(r.abs)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.CodeTimeout, "listing cancelled")
		}
		return nil, statError(r, err)
	}

	return map[string]interface{}{"path": path, "entries": entries, "count": len(entries)}, nil
}

func (d *DirectoryOps) readDir(dir string) ([]FileInfo, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]FileInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, newFileInfo(de.Name(), info))
	}
	return entries, nil
}

// walk lists dir recursively with fastwalk; the callback runs on several goroutines
func (d *DirectoryOps) walk(ctx context.Context, dir string, maxDepth int) ([]FileInfo, error) {
	var (
		mu      sync.Mutex
		entries = []FileInfo{}
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, de os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || p == dir {
			return nil
		}

		rel, _ := filepath.Rel(dir, p)
		depth := strings.Count(rel, string(os.PathSeparator))
		if maxDepth > 0 && depth >= maxDepth {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return nil
		}

		mu.Lock()
		entries = append(entries, newFileInfo(rel, info))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
