// Package filesystem provides sandboxed file access for apps.
//
// Every app gets a private root under <DataDir>/apps/<appId>/files, created on
// first use. Paths are resolved against that root unless they match one of the
// configured allow-list patterns. The package is organized into:
//   - paths: resolution, traversal rejection, symlink confinement
//   - basic: read, write, append, delete, exists, mkdir
//   - directory: listing (recursive listings use fastwalk)
//   - operations: copy and move
//   - metadata: stat with MIME detection
//
// Reads require filesystem.read and mutations filesystem.write, both scoped to
// the path named in the request.
//
// Example Usage:
//
//	fs := filesystem.NewProvider(layout, filesystem.DefaultConfig(), manager, logger)
//	result, err := fs.Execute(ctx, "readFile", map[string]interface{}{"path": "notes.txt"}, appCtx)
package filesystem
