package archive

import (
	"fmt"
	"os"
	"path/filepath"
)

// Lock is an exclusive hold on one channel archive.
type Lock struct {
	path string
	f    *os.File
}

// Lock acquires a non-blocking exclusive lock on a channel archive.
// It fails with ErrLocked while another holder exists, in this process or another.
func (s *Store) Lock(channelID string) (*Lock, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir archive dir: %w", err)
	}
	path := filepath.Join(s.dir, "."+channelID+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", channelID, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if err == ErrLocked {
			return nil, fmt.Errorf("%w: %s", ErrLocked, channelID)
		}
		return nil, fmt.Errorf("lock %s: %w", channelID, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
