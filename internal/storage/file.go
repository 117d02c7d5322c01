package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"nagbot/internal/reminder"
	logx "nagbot/pkg/logx"
)

// The file backend keeps the memory dataset and writes a full JSON snapshot
// after every committed transaction:
//
//   - <path>      (current snapshot)
//   - <path>.tmp  (write target, renamed over <path>)
//
// A crash between write and rename leaves the previous snapshot intact.
func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := newMemState()
	if err := loadSnapshot(path, st); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Info("storage snapshot not found, starting empty", logx.String("path", path))
	}

	m := NewMemory(cfg)
	m.st = st
	m.persist = func(s *memState) error { return writeSnapshot(path, s) }
	return m, nil
}

func loadSnapshot(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return err
	}
	if out.Reminders == nil {
		out.Reminders = map[int64]reminder.Reminder{}
	}
	if out.Attempts == nil {
		out.Attempts = map[string][]reminder.Attempt{}
	}
	if out.Triggers == nil {
		out.Triggers = map[string]reminder.Trigger{}
	}
	return nil
}

func writeSnapshot(path string, s *memState) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
