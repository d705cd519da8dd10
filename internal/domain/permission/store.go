package permission

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/utils"
)

// Store persists one grant file per app
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create permission dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(appID string) string {
	return filepath.Join(s.dir, appID+".json")
}

// Load reads an app's record. A missing file yields an empty record.
func (s *Store) Load(appID string) (*Record, error) {
	if err := paths.ValidateAppID(appID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(appID))
	if errors.Is(err, os.ErrNotExist) {
		return &Record{AppID: appID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grants for %s: %w", appID, err)
	}

	var rec Record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode grants for %s: %w", appID, err)
	}
	rec.AppID = appID
	return &rec, nil
}

// Save writes an app's record atomically
func (s *Store) Save(rec *Record) error {
	if err := paths.ValidateAppID(rec.AppID); err != nil {
		return err
	}
	if rec.Granted == nil {
		rec.Granted = []Grant{}
	}
	if rec.History == nil {
		rec.History = []HistoryEntry{}
	}

	data, err := sonic.ConfigStd.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode grants for %s: %w", rec.AppID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return utils.WriteFileAtomic(s.path(rec.AppID), data, 0o600)
}

// List returns the ids of apps with a grant file
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		if id, ok := strings.CutSuffix(ent.Name(), ".json"); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes an app's grant file
func (s *Store) Delete(appID string) error {
	if err := paths.ValidateAppID(appID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(appID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
