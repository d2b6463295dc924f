package ingestion

import (
	"container/list"
	"sync"

	"MemePerp/internal/observability"

	"github.com/rs/zerolog"
)

// CommandStore is the durable dedup tier
type CommandStore interface {
	IsDuplicate(kind, commandID string) (bool, error)
}

// Deduplicator checks command ids in two tiers: an in-memory LRU, then the store.
// Only commands that carry a command id are deduplicated.
type Deduplicator struct {
	lru     *commandLRU
	store   CommandStore
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDeduplicator(capacity int, store CommandStore, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		lru:     newCommandLRU(capacity),
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

func dedupKey(kind CommandKind, commandID string) string {
	return string(kind) + ":" + commandID
}

// Reserve claims a command id before it executes. It returns false when the id was
// already handled or is being handled by a concurrent delivery. The claim and the
// LRU check are one step, so two deliveries of one id never both execute.
func (d *Deduplicator) Reserve(kind CommandKind, commandID string) bool {
	if commandID == "" {
		return true
	}
	key := dedupKey(kind, commandID)
	if !d.lru.addIfAbsent(key) {
		d.countDuplicate(kind, "lru")
		return false
	}

	if d.store == nil {
		return true
	}
	dup, err := d.store.IsDuplicate(string(kind), commandID)
	if err != nil {
		// A store outage must not block ingestion; the core's own checks still apply
		d.logger.Warn().Err(err).Str("command", string(kind)).Msg("dedup store lookup failed")
		return true
	}
	if dup {
		// The key stays cached: the store already has the outcome
		d.countDuplicate(kind, "postgres")
		return false
	}
	return true
}

// Release drops a claim whose command failed for infrastructure reasons, so a
// redelivery can run it again.
func (d *Deduplicator) Release(kind CommandKind, commandID string) {
	if commandID == "" {
		return
	}
	d.lru.remove(dedupKey(kind, commandID))
}

// Seen reports whether the command was already handled, without claiming it
func (d *Deduplicator) Seen(kind CommandKind, commandID string) bool {
	if commandID == "" {
		return false
	}
	return d.lru.contains(dedupKey(kind, commandID))
}

// MarkProcessed remembers a handled command
func (d *Deduplicator) MarkProcessed(kind CommandKind, commandID string) {
	if commandID == "" {
		return
	}
	d.lru.add(dedupKey(kind, commandID))
}

// Warm preloads "kind:id" keys, newest first
func (d *Deduplicator) Warm(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		d.lru.add(keys[i])
	}
}

// Size returns the number of cached keys
func (d *Deduplicator) Size() int {
	return d.lru.size()
}

func (d *Deduplicator) countDuplicate(kind CommandKind, tier string) {
	if d.metrics != nil {
		d.metrics.CommandDuplicates.WithLabelValues(string(kind), tier).Inc()
	}
}

// commandLRU is a bounded set with least-recently-used eviction
type commandLRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func newCommandLRU(capacity int) *commandLRU {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &commandLRU{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *commandLRU) contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.items[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *commandLRU) add(key string) {
	l.addIfAbsent(key)
}

// addIfAbsent inserts key and reports whether it was new
func (l *commandLRU) addIfAbsent(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.items[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(string))
	}
	return true
}

func (l *commandLRU) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.order.Remove(elem)
		delete(l.items, key)
	}
}

func (l *commandLRU) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
