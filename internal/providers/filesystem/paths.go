package filesystem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

// resolved is a request path mapped onto the host
type resolved struct {
	request string // as the app named it
	abs     string
	root    string // sandbox root; empty for allow-listed host paths
}

func (r resolved) isRoot() bool {
	return r.root != "" && r.abs == r.root
}

// access checks perm for the request path and resolves it
func (ops *FilesystemOps) access(appCtx *types.Context, perm, reqPath string) (resolved, error) {
	if err := types.Require(ops.auth, appCtx, perm, reqPath); err != nil {
		return resolved{}, err
	}
	return ops.resolve(appCtx.AppID, reqPath)
}

// resolve maps reqPath into the app's sandbox root, or onto the host when an
// absolute path matches the allow list. Leading slashes are otherwise sandbox-relative.
func (ops *FilesystemOps) resolve(appID, reqPath string) (resolved, error) {
	if strings.ContainsRune(reqPath, 0) {
		return resolved{}, types.NewError(types.CodeValidation, "path contains a NUL byte")
	}
	if paths.HasTraversal(reqPath) {
		return resolved{}, types.Errorf(types.CodeValidation, "path traversal not allowed: %s", reqPath)
	}
	if err := paths.ValidateAppID(appID); err != nil {
		return resolved{}, types.NewError(types.CodeValidation, err.Error())
	}

	if filepath.IsAbs(reqPath) && ops.isAllowed(filepath.Clean(reqPath)) {
		abs := filepath.Clean(reqPath)
		real, err := realPath(abs)
		if err != nil {
			return resolved{}, types.Errorf(types.CodeInternal, "resolve %s: %v", reqPath, err)
		}
		if !ops.isAllowed(real) {
			return resolved{}, types.Errorf(types.CodePermissionDenied, "path escapes allowed roots: %s", reqPath)
		}
		return resolved{request: reqPath, abs: abs}, nil
	}

	root := ops.layout.AppFiles(appID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return resolved{}, types.Errorf(types.CodeInternal, "create sandbox root: %v", err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return resolved{}, types.Errorf(types.CodeInternal, "resolve sandbox root: %v", err)
	}

	rel := strings.TrimLeft(filepath.FromSlash(reqPath), `/\`)
	abs := filepath.Join(root, rel)
	real, err := realPath(abs)
	if err != nil {
		return resolved{}, types.Errorf(types.CodeInternal, "resolve %s: %v", reqPath, err)
	}
	if !paths.Within(realRoot, real) {
		return resolved{}, types.Errorf(types.CodePermissionDenied, "path escapes the app sandbox: %s", reqPath)
	}
	return resolved{request: reqPath, abs: abs, root: root}, nil
}

func (ops *FilesystemOps) isAllowed(abs string) bool {
	for _, pattern := range ops.allowed {
		if ok, _ := doublestar.PathMatch(pattern, abs); ok {
			return true
		}
	}
	return false
}

// checkExtension rejects blocked file types
func (ops *FilesystemOps) checkExtension(r resolved) error {
	ext := strings.ToLower(filepath.Ext(r.abs))
	if ext != "" && ops.blocked[ext] {
		return types.Errorf(types.CodePermissionDenied, "file type %s is blocked", ext)
	}
	return nil
}

// realPath evaluates symlinks on the longest existing prefix of p
func realPath(p string) (string, error) {
	cur := p
	var rest []string
	for {
		r, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{r}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// statError maps an os error onto the bridge taxonomy
func statError(r resolved, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return types.Errorf(types.CodeNotFound, "no such file or directory: %s", r.request)
	case errors.Is(err, fs.ErrPermission):
		return types.Errorf(types.CodePermissionDenied, "access denied by host: %s", r.request)
	case errors.Is(err, fs.ErrExist):
		return types.Errorf(types.CodeValidation, "already exists: %s", r.request)
	default:
		return types.Errorf(types.CodeInternal, "%s: %v", r.request, err)
	}
}
