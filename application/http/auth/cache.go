package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

const (
	numShards        = 16
	maxPathsPerEntry = 10
)

// Entry is a cached identity for one protection space.
type Entry struct {
	Space       Space
	Credentials Credentials
	// Challenge recreates a handler for preemptive use.
	Challenge Challenge
	// Paths are directories known to share the space.
	Paths []string

	Created  time.Time
	LastUsed time.Time
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Paths = append([]string(nil), e.Paths...)
	c.Challenge.Params = cloneParams(e.Challenge.Params)
	return &c
}

// Cache maps protection spaces to credentials. It is safe for
// concurrent use; entries of one origin live in the same shard.
type Cache struct {
	clock  clock.Clock
	shards [numShards]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[Space]*Entry
}

func NewCache(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}

	c := &Cache{clock: clk}
	for i := range c.shards {
		c.shards[i].entries = make(map[Space]*Entry)
	}
	return c
}

func (c *Cache) shardFor(origin Origin) *shard {
	return &c.shards[xxhash.Sum64String(origin.String())%numShards]
}

// Lookup returns a copy of the entry for space.
func (c *Cache) Lookup(space Space) (*Entry, bool) {
	space = space.normalize()
	sh := c.shardFor(space.Origin)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[space]
	if !ok {
		return nil, false
	}
	e.LastUsed = c.clock.Now()
	return e.clone(), true
}

// Store records creds for space and marks the directory of path as
// covered. Storing again replaces the credentials and keeps the paths.
func (c *Cache) Store(space Space, creds Credentials, challenge Challenge, path string) {
	space = space.normalize()
	sh := c.shardFor(space.Origin)
	now := c.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[space]
	if !ok {
		e = &Entry{Space: space, Created: now}
		sh.entries[space] = e
	}
	e.Credentials = creds
	e.Challenge = challenge
	e.Challenge.Params = cloneParams(challenge.Params)
	e.LastUsed = now
	e.addPath(path)
}

func (e *Entry) addPath(path string) {
	dir := parentDirectory(path)
	for _, p := range e.Paths {
		if strings.HasPrefix(dir, p) {
			return
		}
	}

	kept := e.Paths[:0]
	for _, p := range e.Paths {
		if !strings.HasPrefix(p, dir) {
			kept = append(kept, p)
		}
	}
	e.Paths = append(kept, dir)

	if len(e.Paths) > maxPathsPerEntry {
		e.Paths = e.Paths[len(e.Paths)-maxPathsPerEntry:]
	}
}

// parentDirectory keeps path up to and including its last slash.
func parentDirectory(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx+1]
}

// Evict removes the entry for space. It reports whether one existed.
func (c *Cache) Evict(space Space) bool {
	space = space.normalize()
	sh := c.shardFor(space.Origin)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.entries[space]
	delete(sh.entries, space)
	return ok
}

// PreemptiveLookup finds the entry of origin whose known paths contain
// path, preferring the longest matching directory.
func (c *Cache) PreemptiveLookup(target Target, origin Origin, path string) (*Entry, bool) {
	origin = origin.Normalize()
	sh := c.shardFor(origin)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var (
		best    *Entry
		bestLen = -1
	)
	for space, e := range sh.entries {
		if space.Origin != origin || space.Target != target {
			continue
		}
		for _, p := range e.Paths {
			if strings.HasPrefix(path, p) && len(p) > bestLen {
				best, bestLen = e, len(p)
			}
		}
	}

	if best == nil {
		return nil, false
	}
	best.LastUsed = c.clock.Now()
	return best.clone(), true
}

// ClearOrigin drops every entry of origin for target.
func (c *Cache) ClearOrigin(target Target, origin Origin) int {
	origin = origin.Normalize()
	sh := c.shardFor(origin)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := 0
	for space := range sh.entries {
		if space.Origin == origin && space.Target == target {
			delete(sh.entries, space)
			n++
		}
	}
	return n
}

// Len counts entries across shards.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
