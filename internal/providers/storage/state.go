package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/shared/utils"
)

const (
	dataFile  = "data.json"
	statsFile = "stats.json"
)

// Stats is the persisted usage summary
type Stats struct {
	ItemCount int   `json:"itemCount"`
	BytesUsed int64 `json:"bytesUsed"`
}

// appStore is one app's item set; its lock serializes every quota mutation
type appStore struct {
	appID string
	dir   string

	mu        sync.Mutex
	loaded    bool
	items     map[string]json.RawMessage
	bytesUsed int64
}

func newAppStore(appID, dir string) *appStore {
	return &appStore{
		appID: appID,
		dir:   dir,
		items: make(map[string]json.RawMessage),
	}
}

// itemSize is the accounted size of one item
func itemSize(key string, raw []byte) int64 {
	return int64(len(key) + len(raw))
}

func (s *appStore) load(logger *logging.Logger) error {
	data, err := os.ReadFile(filepath.Join(s.dir, dataFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.items = make(map[string]json.RawMessage)
	case err != nil:
		return err
	default:
		items := make(map[string]json.RawMessage)
		if err := sonic.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("decode %s: %w", dataFile, err)
		}
		s.items = items
	}

	s.bytesUsed = 0
	for k, v := range s.items {
		s.bytesUsed += itemSize(k, v)
	}

	// stats.json is advisory; the item set is authoritative
	if raw, err := os.ReadFile(filepath.Join(s.dir, statsFile)); err == nil {
		var recorded Stats
		if sonic.Unmarshal(raw, &recorded) == nil &&
			(recorded.BytesUsed != s.bytesUsed || recorded.ItemCount != len(s.items)) {
			logger.Warn("Storage stats out of date, recomputed",
				zap.String("app_id", s.appID),
				zap.Int64("recorded", recorded.BytesUsed),
				zap.Int64("actual", s.bytesUsed),
			)
		}
	}

	s.loaded = true
	return nil
}

// persistLocked writes stats.json then data.json. data.json is the commit
// point; a failure before it leaves the previous item set on disk, and load
// recomputes usage from the items either way.
func (s *appStore) persistLocked() error {
	data, err := sonic.ConfigDefault.Marshal(s.items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	stats, err := sonic.Marshal(Stats{ItemCount: len(s.items), BytesUsed: s.bytesUsed})
	if err != nil {
		return err
	}

	if err := utils.WriteFileAtomic(filepath.Join(s.dir, statsFile), stats, 0o600); err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(s.dir, dataFile), data, 0o600)
}

// commitLocked swaps in a new item set and persists it, restoring the old set on failure
func (s *appStore) commitLocked(items map[string]json.RawMessage, bytesUsed int64) error {
	prevItems, prevBytes := s.items, s.bytesUsed
	s.items, s.bytesUsed = items, bytesUsed
	if err := s.persistLocked(); err != nil {
		s.items, s.bytesUsed = prevItems, prevBytes
		return err
	}
	return nil
}

func (s *appStore) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
