// Package astcache implements the process-wide bounded cache of recently
// built ASTs (spec §4.6), a doubly-linked-list LRU keyed by file path,
// adapted from the teacher's blob cache to count entries rather than bytes
// and to gate reuse on a ParseInputs fingerprint rather than a raw key
// lookup.
package astcache

import (
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"

	"github.com/gotuscheduler/tuscheduler/internal/parsing"
)

// DefaultCapacity is the default number of entries retained, per spec §4.6.
const DefaultCapacity = 3

// entry is a doubly-linked list node for LRU tracking.
type entry struct {
	file         string
	artifact     *parsing.ASTArtifact
	fingerprint  parsing.Fingerprint
	compressed   []byte // lz4-compressed copy of the artifact's source bytes
	originalSize int    // length of the source bytes before compression
	accessCount  int64
	prev         *entry
	next         *entry
}

// Cache is a fixed-capacity, file-keyed LRU. A file has at most one entry;
// re-Put updates it in place and refreshes recency. Eviction is
// least-recently-used on Put when at capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry
	head     *entry // most recently used
	tail     *entry // least recently used

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a cache retaining up to capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Cache{capacity: capacity, entries: make(map[string]*entry)}
}

// Put installs artifact as the current AST for file, compressing its source
// bytes with lz4 for retention. Evicts the least-recently-used entry if the
// cache is at capacity and file is new.
func (c *Cache) Put(file string, artifact *parsing.ASTArtifact, fingerprint parsing.Fingerprint, sourceBytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed := compress(sourceBytes)

	if e, ok := c.entries[file]; ok {
		e.artifact = artifact
		e.fingerprint = fingerprint
		e.compressed = compressed
		e.originalSize = len(sourceBytes)
		e.accessCount++
		c.moveToFront(e)

		return
	}

	for len(c.entries) >= c.capacity && c.tail != nil {
		c.evictTail()
	}

	e := &entry{
		file:         file,
		artifact:     artifact,
		fingerprint:  fingerprint,
		compressed:   compressed,
		originalSize: len(sourceBytes),
		accessCount:  1,
	}
	c.entries[file] = e
	c.addToFront(e)
}

// SourceBytes decompresses and returns the source bytes retained alongside
// file's cached artifact, for observability surfaces that want to report on
// what is actually held without disturbing recency.
func (c *Cache) SourceBytes(file string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[file]
	if !ok || e.compressed == nil {
		return nil, false
	}

	dst := make([]byte, e.originalSize)

	n, err := lz4.UncompressBlock(e.compressed, dst)
	if err != nil || n != e.originalSize {
		return nil, false
	}

	return dst, true
}

// TakeIfFingerprintMatches returns the cached artifact for file if present
// and its captured fingerprint equals want, refreshing recency. Otherwise
// returns (nil, false) without disturbing the cache.
func (c *Cache) TakeIfFingerprintMatches(file string, want parsing.Fingerprint) (*parsing.ASTArtifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[file]
	if !ok || e.fingerprint != want {
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)
	e.accessCount++
	c.moveToFront(e)

	return e.artifact, true
}

// Evict removes file's entry, if any. Used when a file is untracked.
func (c *Cache) Evict(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[file]
	if !ok {
		return
	}

	c.removeFromList(e)
	delete(c.entries, file)
}

// Files returns the file paths currently cached, most-recently-used first.
func (c *Cache) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.entries))
	for e := c.head; e != nil; e = e.next {
		out = append(out, e.file)
	}

	return out
}

// Stats reports cache hit/miss counters for observability.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Stats returns the current hit/miss counters and entry count.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: len(c.entries)}
}

func (c *Cache) moveToFront(e *entry) {
	if e == c.head {
		return
	}

	c.removeFromList(e)
	c.addToFront(e)
}

func (c *Cache) addToFront(e *entry) {
	e.prev = nil
	e.next = c.head

	if c.head != nil {
		c.head.prev = e
	}

	c.head = e

	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) removeFromList(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *Cache) evictTail() {
	victim := c.tail
	if victim == nil {
		return
	}

	c.removeFromList(victim)
	delete(c.entries, victim.file)
}

// compress lz4-compresses src, returning nil for empty input.
func compress(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(src)))

	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil || n == 0 {
		return nil
	}

	return dst[:n]
}
