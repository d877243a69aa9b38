package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Root is the top-level archive directory holding one subdirectory per guild.
type Root struct {
	dir string
	loc *time.Location
}

func NewRoot(dir string, loc *time.Location) *Root {
	if loc == nil {
		loc = time.UTC
	}
	return &Root{dir: filepath.Clean(dir), loc: loc}
}

func (r *Root) Dir() string {
	return r.dir
}

// Guild returns the store for a guild's channel archives.
func (r *Root) Guild(guildID string) *Store {
	return NewStore(filepath.Join(r.dir, guildID), r.loc)
}

// Guilds lists the guilds that have an archive directory, sorted.
func (r *Root) Guilds() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list guild dirs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
