package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	userFilePrefix = "user_"
	userFileSuffix = ".json"
)

// FileStore keeps each user's set in <dir>/users/user_<id>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dataPath string) (*FileStore, error) {
	dir := filepath.Join(dataPath, "users")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userFilePrefix+userID+userFileSuffix)
}

// Save writes the set atomically via a temp file + rename.
func (s *FileStore) Save(_ context.Context, userID string, events model.EventSet) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}

	data, err := Marshal(events)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(userID), data); err != nil {
		return fmt.Errorf("save reminders for user %s: %w", userID, err)
	}
	appLog.Debug("saved reminders", "user", userID, "count", len(events))
	return nil
}

func (s *FileStore) Load(_ context.Context, userID string) model.EventSet {
	if !ValidUserID(userID) {
		appLog.Error("load reminders", ErrInvalidUser, "user", userID)
		return model.EventSet{}
	}

	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Error("load reminders failed", err, "user", userID)
		}
		return model.EventSet{}
	}

	events, err := Unmarshal(data)
	if err != nil {
		appLog.Error("decode reminders failed", err, "user", userID)
		return model.EventSet{}
	}
	appLog.Debug("loaded reminders", "user", userID, "count", len(events))
	return events
}

func (s *FileStore) Users(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	users := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, userFilePrefix) || !strings.HasSuffix(name, userFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, userFilePrefix), userFileSuffix)
		if ValidUserID(id) {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".remindcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
