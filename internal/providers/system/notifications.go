package system

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/shared/id"
	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// Notification is an active notification owned by one app
type Notification struct {
	ID        string    `json:"id"`
	AppID     string    `json:"appId"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Delivered bool      `json:"delivered"`
}

type notificationStore struct {
	mu    sync.Mutex
	byApp map[string][]Notification
}

func newNotificationStore() *notificationStore {
	return &notificationStore{byApp: make(map[string][]Notification)}
}

// add stores n; a matching tag replaces the earlier notification in place
func (s *notificationStore) add(n Notification, limit int) (replaced bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.byApp[n.AppID]
	if n.Tag != "" {
		for i := range active {
			if active[i].Tag == n.Tag {
				active[i] = n
				return true, nil
			}
		}
	}
	if len(active) >= limit {
		return false, types.Errorf(types.CodeQuotaExceeded, "too many active notifications (max %d)", limit).
			WithDetail("active", len(active))
	}
	s.byApp[n.AppID] = append(active, n)
	return false, nil
}

func (s *notificationStore) markDelivered(appID, nid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.byApp[appID] {
		if s.byApp[appID][i].ID == nid {
			s.byApp[appID][i].Delivered = true
			return
		}
	}
}

func (s *notificationStore) list(appID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification{}, s.byApp[appID]...)
}

// dismiss removes id only when appID owns it
func (s *notificationStore) dismiss(appID, nid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.byApp[appID]
	for i := range active {
		if active[i].ID == nid {
			s.byApp[appID] = append(active[:i], active[i+1:]...)
			if len(s.byApp[appID]) == 0 {
				delete(s.byApp, appID)
			}
			return true
		}
	}
	return false
}

func (s *notificationStore) clear(appID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.byApp[appID])
	delete(s.byApp, appID)
	return n
}

// ClearNotifications drops every active notification for appID
func (p *Provider) ClearNotifications(appID string) int {
	return p.notifications.clear(appID)
}

func (p *Provider) showNotification(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	rawTitle, err := utils.GetString(params, "title", true)
	if err != nil {
		return nil, err
	}
	rawBody, err := utils.GetString(params, "body", false)
	if err != nil {
		return nil, err
	}
	tag, err := utils.GetString(params, "tag", false)
	if err != nil {
		return nil, err
	}

	title := p.sanitize(rawTitle)
	body := p.sanitize(rawBody)
	if title == "" {
		return nil, types.NewError(types.CodeValidation, "title is empty after sanitization")
	}
	if n := utf8.RuneCountInString(title); n > p.cfg.MaxTitleLength {
		return nil, types.Errorf(types.CodeValidation, "title exceeds %d characters", p.cfg.MaxTitleLength).
			WithDetail("length", n)
	}
	if n := utf8.RuneCountInString(body); n > p.cfg.MaxBodyLength {
		return nil, types.Errorf(types.CodeValidation, "body exceeds %d characters", p.cfg.MaxBodyLength).
			WithDetail("length", n)
	}

	n := Notification{
		ID:        id.NewNotificationID().String(),
		AppID:     appCtx.AppID,
		Title:     title,
		Body:      body,
		Tag:       tag,
		CreatedAt: time.Now(),
	}

	replaced, err := p.notifications.add(n, p.cfg.MaxActiveNotifications)
	if err != nil {
		return nil, err
	}

	switch err := p.platform.Notify(ctx, n); {
	case err == nil:
		n.Delivered = true
		p.notifications.markDelivered(n.AppID, n.ID)
	case errors.Is(err, ErrUnsupported):
	default:
		p.logger.Warn("Notification delivery failed",
			zap.String("app_id", appCtx.AppID),
			zap.String("platform", p.platform.Name()),
			zap.Error(err),
		)
	}

	return map[string]interface{}{
		"id":        n.ID,
		"title":     n.Title,
		"body":      n.Body,
		"delivered": n.Delivered,
		"replaced":  replaced,
	}, nil
}

func (p *Provider) listNotifications(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	active := p.notifications.list(appCtx.AppID)
	return map[string]interface{}{"notifications": active, "count": len(active)}, nil
}

func (p *Provider) dismissNotification(ctx context.Context, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	nid, err := utils.GetString(params, "id", true)
	if err != nil {
		return nil, err
	}
	// Another app's id looks exactly like an unknown one
	if !p.notifications.dismiss(appCtx.AppID, nid) {
		return nil, types.Errorf(types.CodeNotFound, "notification not found: %s", nid)
	}
	return map[string]interface{}{"id": nid, "dismissed": true}, nil
}
