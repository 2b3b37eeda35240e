package ttscache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/providers"
)

// Phrase labels for pre-warmed audio.
const (
	LabelGreetings = "greetings"
	LabelCheckIns  = "check-ins"
)

// Key computes the stable content hash for a (config, text) pair.
// Twelve hex characters of SHA-256 are plenty at this cache's scale.
func Key(cfg providers.TTSConfig, text string) string {
	return hashFields(12, string(cfg.Provider), cfg.Model, cfg.Voice, cfg.Instructions, text)
}

// ConfigHash identifies a TTS configuration. A change invalidates the
// whole cache and the baked phrase store.
func ConfigHash(cfg providers.TTSConfig) string {
	return hashFields(16, string(cfg.Provider), cfg.Model, cfg.Voice, cfg.Instructions)
}

func hashFields(n int, fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])[:n]
}

type entry struct {
	buffer     []byte
	lastUsed   uint64
	sizeBytes  int64
	isBakedOgg bool
}

// CachedPhrase is the result of a phrase-label lookup.
type CachedPhrase struct {
	Buffer     []byte
	IsBakedOgg bool
}

// Cache is a content-addressed LRU of synthesised audio buffers with
// label sets for the pre-warmed phrase pools.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]*entry
	totalBytes   int64
	clock        uint64
	labels       map[string]map[string]struct{}
	lastReturned map[string]string
	configHash   string

	registry *metrics.Registry
	logger   *slog.Logger
}

func New(registry *metrics.Registry, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:      make(map[string]*entry),
		labels:       make(map[string]map[string]struct{}),
		lastReturned: make(map[string]string),
		registry:     registry,
		logger:       logging.NewComponentLogger(logger, "tts_cache"),
	}
}

// Get returns the cached buffer for key, touching its recency.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.count(metrics.CounterTTSCacheMisses)
		return nil, false
	}
	c.clock++
	e.lastUsed = c.clock
	c.count(metrics.CounterTTSCacheHits)
	return e.buffer, true
}

// Set stores a buffer under key, evicting least-recently-used entries
// until the byte budget holds.
func (c *Cache) Set(key string, buffer []byte, maxSizeMb int) {
	c.put(key, buffer, maxSizeMb, false)
}

// SetBaked stores a pre-synthesised OGG Opus buffer.
func (c *Cache) SetBaked(key string, buffer []byte, maxSizeMb int) {
	c.put(key, buffer, maxSizeMb, true)
}

func (c *Cache) put(key string, buffer []byte, maxSizeMb int, baked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[key]; ok {
		c.totalBytes -= prev.sizeBytes
	}
	c.clock++
	c.entries[key] = &entry{
		buffer:     buffer,
		lastUsed:   c.clock,
		sizeBytes:  int64(len(buffer)),
		isBakedOgg: baked,
	}
	c.totalBytes += int64(len(buffer))

	budget := int64(maxSizeMb) * 1024 * 1024
	for c.totalBytes > budget && len(c.entries) > 0 {
		c.evictOldest()
	}
	c.updateGauge()
}

// evictOldest removes the least-recently-used entry. Caller holds the lock.
func (c *Cache) evictOldest() {
	var victim string
	var oldest uint64
	first := true
	for k, e := range c.entries {
		if first || e.lastUsed < oldest {
			victim = k
			oldest = e.lastUsed
			first = false
		}
	}
	if first {
		return
	}
	c.totalBytes -= c.entries[victim].sizeBytes
	delete(c.entries, victim)
	for _, set := range c.labels {
		delete(set, victim)
	}
	c.logger.Debug("evicted cache entry", slog.String("key", victim))
}

// Clear drops every entry, label set and baked-key tracking.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.labels = make(map[string]map[string]struct{})
	c.lastReturned = make(map[string]string)
	c.totalBytes = 0
	c.updateGauge()
}

// RegisterPhraseKey associates a cached key with a phrase label.
func (c *Cache) RegisterPhraseKey(key, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.labels[label]
	if set == nil {
		set = make(map[string]struct{})
		c.labels[label] = set
	}
	set[key] = struct{}{}
}

// GetRandomPhrase picks a uniformly random cached phrase for label,
// never repeating the previous pick when an alternative exists.
func (c *Cache) GetRandomPhrase(label string) (CachedPhrase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.labels[label] {
		if _, ok := c.entries[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return CachedPhrase{}, false
	}
	if last := c.lastReturned[label]; last != "" && len(keys) > 1 {
		filtered := keys[:0]
		for _, k := range keys {
			if k != last {
				filtered = append(filtered, k)
			}
		}
		keys = filtered
	}
	key := keys[rand.Intn(len(keys))]
	c.lastReturned[label] = key
	e := c.entries[key]
	c.clock++
	e.lastUsed = c.clock
	c.count(metrics.CounterTTSCacheHits)
	return CachedPhrase{Buffer: e.buffer, IsBakedOgg: e.isBakedOgg}, true
}

// TotalBytes returns the current byte footprint.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Len returns the number of retained entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Has reports whether a key is cached, without touching recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// EnsureConfigHash clears everything when the TTS configuration hash
// changed since the cache was last populated.
func (c *Cache) EnsureConfigHash(hash string) {
	c.mu.Lock()
	changed := c.configHash != "" && c.configHash != hash
	c.configHash = hash
	c.mu.Unlock()
	if changed {
		c.logger.Info("tts config changed, clearing cache", slog.String("config_hash", hash))
		c.Clear()
	}
}

func (c *Cache) count(name string) {
	if c.registry != nil {
		c.registry.Inc(name)
	}
}

func (c *Cache) updateGauge() {
	if c.registry != nil {
		c.registry.SetGauge(metrics.GaugeCacheSizeBytes, c.totalBytes)
	}
}
