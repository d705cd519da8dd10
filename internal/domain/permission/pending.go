package permission

import (
	"sync"
	"time"
)

// PendingRequest is a capability request awaiting consent
type PendingRequest struct {
	ID         string    `json:"id"`
	AppID      string    `json:"appId"`
	Permission string    `json:"permission"`
	Resource   string    `json:"resource,omitempty"`
	Key        string    `json:"key"`
	Reason     string    `json:"reason,omitempty"`
	Template   Template  `json:"template"`
	Temporary  bool      `json:"temporary"`
	CreatedAt  time.Time `json:"createdAt"`
	TimeoutAt  time.Time `json:"timeoutAt"`

	duration time.Duration
}

// pending couples a request with its one-shot completion handle.
// Every waiter on the same (appId, key) shares one pending.
type pending struct {
	req   PendingRequest
	timer *time.Timer

	once     sync.Once
	done     chan struct{}
	decision Decision
	err      error
}

func newPending(req PendingRequest) *pending {
	return &pending{req: req, done: make(chan struct{})}
}

// resolve fulfills the handle; later calls are no-ops
func (p *pending) resolve(d Decision) bool {
	resolved := false
	p.once.Do(func() {
		p.decision = d
		close(p.done)
		resolved = true
	})
	return resolved
}

// fail releases waiters with an error instead of a decision
func (p *pending) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func pendingKey(appID, key string) string {
	return appID + "\x00" + key
}
