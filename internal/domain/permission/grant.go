package permission

import "time"

// Source records how a decision was reached
type Source string

const (
	SourceAlreadyGranted Source = "already-granted"
	SourceAutoGranted    Source = "auto-granted"
	SourceUserGranted    Source = "user-granted"
	SourceHost           Source = "host-granted"
	SourceTimeout        Source = "timeout"
	SourceDenied         Source = "denied"
	SourceUndeclared     Source = "undeclared"
	SourcePolicy         Source = "policy-granted"
)

// Action is a history event kind
type Action string

const (
	ActionGranted Action = "granted"
	ActionDenied  Action = "denied"
	ActionRevoked Action = "revoked"
	ActionTimeout Action = "timeout"
	ActionExpired Action = "expired"
)

// Grant is a recorded approval of a capability for one app
type Grant struct {
	AppID      string     `json:"appId"`
	Key        string     `json:"key"`
	Permission string     `json:"permission"`
	Resource   string     `json:"resource,omitempty"`
	Temporary  bool       `json:"temporary"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Source     Source     `json:"source"`
	GrantedAt  time.Time  `json:"grantedAt"`
	Reason     string     `json:"reason,omitempty"`
}

// Expired reports whether a temporary grant is past its expiry
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// HistoryEntry is one line of an app's permission history
type HistoryEntry struct {
	Action    Action    `json:"action"`
	Key       string    `json:"key"`
	Source    Source    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	At        time.Time `json:"at"`
}

// Record is the persisted grant file for an app
type Record struct {
	AppID   string         `json:"appId"`
	Granted []Grant        `json:"granted"`
	History []HistoryEntry `json:"history"`
}

// Decision is the outcome of RequestPermission
type Decision struct {
	Granted   bool   `json:"granted"`
	Source    Source `json:"source"`
	Key       string `json:"key"`
	RequestID string `json:"requestId,omitempty"`
}

// RequestOptions describes a capability request
type RequestOptions struct {
	AppID      string
	Permission string
	Resource   string
	Reason     string
	Temporary  bool
	// Duration bounds a temporary grant; zero means until restart
	Duration time.Duration
	// Timeout overrides the manager's default consent timeout
	Timeout time.Duration
}

// Response is a consent surface's answer to a pending request
type Response struct {
	Granted  bool   `json:"granted"`
	Resource string `json:"resource,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Remember bool   `json:"remember,omitempty"`
}

// GrantOptions configures a direct grant
type GrantOptions struct {
	Temporary bool
	ExpiresAt *time.Time
	Reason    string
	Source    Source
	RequestID string
}
