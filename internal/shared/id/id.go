// Package id provides ULID-based identifiers for bridge objects.
//
// Every identifier is a prefixed ULID so logs stay readable and ids sort by
// creation time:
//   - sess_*: bridge sessions
//   - perm_*: pending permission requests
//   - inst_*: sandbox container instances
//   - req_*:  requests minted by the in-process capability client
//   - ntf_*:  system notifications
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a bridge session
type SessionID string

// PendingID identifies a pending permission request
type PendingID string

// InstanceID identifies a running sandbox instance
type InstanceID string

// RequestID identifies a request envelope
type RequestID string

// NotificationID identifies a notification shown for an app
type NotificationID string

const (
	SessionPrefix      = "sess"
	PendingPrefix      = "perm"
	InstancePrefix     = "inst"
	RequestPrefix      = "req"
	NotificationPrefix = "ntf"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by a monotonic crypto entropy source
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewPendingID generates a new pending request ID
func NewPendingID() PendingID {
	return PendingID(Default().GenerateWithPrefix(PendingPrefix))
}

// NewInstanceID generates a new sandbox instance ID
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(InstancePrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewNotificationID generates a new notification ID
func NewNotificationID() NotificationID {
	return NotificationID(Default().GenerateWithPrefix(NotificationPrefix))
}

func (id SessionID) String() string      { return string(id) }
func (id PendingID) String() string      { return string(id) }
func (id InstanceID) String() string     { return string(id) }
func (id RequestID) String() string      { return string(id) }
func (id NotificationID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix reports whether id is a valid prefixed ULID with the given prefix
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	return ok && IsValid(rest)
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the creation time from a ULID, with or without prefix
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
