// Package paths provides the on-disk layout shared by every component.
//
// All state lives under a single data directory:
//
//	<root>/apps/<appId>/files       filesystem handler sandbox root
//	<root>/apps/<appId>/app         sandbox container private file area
//	<root>/storage/<appId>/         storage handler data.json + stats.json
//	<root>/permissions/<appId>.json permission grant file
//	<root>/audit/permissions.jsonl  permission audit log
//
// # Usage
//
//	layout := paths.New(cfg.DataDir)
//	root := layout.AppFiles("notes")
//
//	// Reject anything that escapes the sandbox root
//	if paths.HasTraversal(rel) || !paths.Within(root, target) {
//	    return errOutside
//	}
package paths
