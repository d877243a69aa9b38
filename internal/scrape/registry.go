package scrape

import (
	"errors"
	"sync"
	"time"
)

// ErrScrapeInProgress is returned when a guild already has a running scrape.
var ErrScrapeInProgress = errors.New("scrape already in progress")

// Registry tracks running and finished scrapes per guild.
// Construct one per process and share it by reference.
type Registry struct {
	mu     sync.Mutex
	active map[string]time.Time
	last   map[string]*GuildResult
}

func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]time.Time),
		last:   make(map[string]*GuildResult),
	}
}

// Begin marks a guild as scraping. The returned release must be called once
// the scrape is terminal.
func (r *Registry) Begin(guildID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[guildID]; ok {
		return nil, ErrScrapeInProgress
	}
	r.active[guildID] = time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, guildID)
			r.mu.Unlock()
		})
	}, nil
}

// Active reports whether a guild is being scraped and since when.
func (r *Registry) Active(guildID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.active[guildID]
	return since, ok
}

// Complete records the result of a finished scrape.
func (r *Registry) Complete(res *GuildResult) {
	if res == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[res.GuildID] = res
}

// Last returns the most recent finished scrape of a guild.
func (r *Registry) Last(guildID string) (*GuildResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.last[guildID]
	return res, ok
}
