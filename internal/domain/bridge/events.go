package bridge

import (
	"github.com/google/uuid"

	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/shared/types"
)

// NewEvent builds an event envelope; Method carries the event name
func NewEvent(name string, payload interface{}) *types.Envelope {
	return &types.Envelope{
		Type:   types.MessageEvent,
		ID:     uuid.NewString(),
		Method: name,
		Result: payload,
	}
}

// RelayPermissionEvents pushes grant changes to the affected app's sessions
// until events is closed. Requested events are not relayed; the requesting
// call already waits on its own decision.
func (d *Dispatcher) RelayPermissionEvents(events <-chan permission.Event) {
	for e := range events {
		if e.Type == permission.EventRequested {
			continue
		}
		payload := map[string]interface{}{
			"key":    e.Key,
			"source": string(e.Source),
			"at":     e.At,
		}
		if e.Decision != nil {
			payload["granted"] = e.Decision.Granted
		}
		d.sessions.Broadcast(e.AppID, NewEvent(string(e.Type), payload))
	}
}
