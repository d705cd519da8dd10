// Package system exposes host information, notifications and the clipboard to apps.
//
// Each feature sits behind its own flag and answers FEATURE_DISABLED when off.
// OS access goes through a Platform: the exec platform runs fixed binaries with
// argument vectors, the memory platform keeps everything in process.
package system
