package permission

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
)

const (
	defaultAuditMaxBytes   = int64(10 << 20)
	defaultAuditMaxBackups = 5
	auditFileName          = "permissions.jsonl"
	auditRotatedPrefix     = "permissions-"
)

// AuditEntry is one line of the audit log
type AuditEntry struct {
	At         time.Time `json:"at"`
	AppID      string    `json:"appId"`
	Action     Action    `json:"action"`
	Key        string    `json:"key"`
	Permission string    `json:"permission,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Source     Source    `json:"source,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
}

// AuditOptions configures the audit log
type AuditOptions struct {
	Dir    string
	Logger *logging.Logger
	// MaxBytes is the rotation threshold of the active file
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files
	MaxBackups int
}

// AuditLog is an append-only JSON-lines log with size-based rotation
type AuditLog struct {
	log *logging.Logger

	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

// NewAuditLog opens (creating if needed) the audit log in opts.Dir
func NewAuditLog(opts AuditOptions) (*AuditLog, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing audit dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultAuditMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultAuditMaxBackups
	}

	activePath := filepath.Join(dir, auditFileName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	return &AuditLog{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes one entry
func (a *AuditLog) Append(e AuditEntry) error {
	if a == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	line, err := sonic.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	f.Close()
	if err != nil {
		return err
	}

	a.maybeRotateLocked()
	return nil
}

// Tail returns up to n most recent entries for appID, newest first.
// An empty appID matches every app.
func (a *AuditLog) Tail(appID string, n int) ([]AuditEntry, error) {
	if a == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 100
	}

	a.mu.Lock()
	files := a.listFilesLocked()
	a.mu.Unlock()

	out := make([]AuditEntry, 0, n)
	for _, path := range files {
		if len(out) >= n {
			break
		}
		entries, err := readNewestFirst(path, appID, n-len(out))
		if err != nil {
			a.log.Warn("audit read failed", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// listFilesLocked returns the active file followed by rotated files, newest first
func (a *AuditLog) listFilesLocked() []string {
	files := []string{a.activePath}
	rotated := a.rotatedLocked()
	for i := len(rotated) - 1; i >= 0; i-- {
		files = append(files, filepath.Join(a.dir, rotated[i]))
	}
	return files
}

// rotatedLocked returns rotated file names, oldest first
func (a *AuditLog) rotatedLocked() []string {
	ents, err := os.ReadDir(a.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, auditRotatedPrefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		names = append(names, name)
	}
	// permissions-<unix_nano>.jsonl sorts lexicographically by time
	sort.Strings(names)
	return names
}

func (a *AuditLog) maybeRotateLocked() {
	st, err := os.Stat(a.activePath)
	if err != nil || st.Size() <= a.maxBytes {
		return
	}

	dst := filepath.Join(a.dir, fmt.Sprintf("%s%d.jsonl", auditRotatedPrefix, time.Now().UnixNano()))
	if err := os.Rename(a.activePath, dst); err != nil {
		a.log.Warn("audit rotate failed", zap.Error(err))
		return
	}
	if f, err := os.OpenFile(a.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		f.Close()
	}

	rotated := a.rotatedLocked()
	if len(rotated) <= a.maxBackups {
		return
	}
	for _, name := range rotated[:len(rotated)-a.maxBackups] {
		os.Remove(filepath.Join(a.dir, name))
	}
}

func readNewestFirst(path, appID string, limit int) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []AuditEntry
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEntry
		if err := sonic.Unmarshal(line, &e); err != nil {
			continue
		}
		if appID != "" && e.AppID != appID {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
