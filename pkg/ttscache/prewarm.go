package ttscache

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/openclaw/voicebridge/pkg/providers"
)

// ManifestName is the index file of the baked phrase directory.
const ManifestName = "manifest.json"

// prewarmConcurrency bounds parallel synthesis during pre-warm.
const prewarmConcurrency = 5

// BakedSynthesizer produces OGG Opus audio for a phrase.
type BakedSynthesizer interface {
	SynthesizeBaked(ctx context.Context, text string) ([]byte, error)
}

// Manifest maps baked filenames to the phrase text they contain, bound
// to one TTS configuration hash.
type Manifest struct {
	ConfigHash string            `json:"configHash"`
	Entries    map[string]string `json:"entries"`
}

// PreWarm makes every phrase of a label available as cached audio:
// baked files whose manifest entry still matches are loaded from disk,
// the rest are synthesised (bounded concurrency) and baked for next time.
func (c *Cache) PreWarm(ctx context.Context, phrases []string, label string, synth BakedSynthesizer, dir string, cfg providers.TTSConfig, maxSizeMb int) error {
	hash := ConfigHash(cfg)
	c.EnsureConfigHash(hash)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifest := c.loadManifest(dir, hash)

	type pending struct {
		phrase   string
		key      string
		filename string
	}
	var queue []pending

	for _, phrase := range phrases {
		key := Key(cfg, phrase)
		filename := label + "-" + key + ".ogg"
		if manifest.Entries[filename] == phrase {
			if buf, err := os.ReadFile(filepath.Join(dir, filename)); err == nil {
				c.SetBaked(key, buf, maxSizeMb)
				c.RegisterPhraseKey(key, label)
				continue
			}
			c.logger.Warn("baked file unreadable, re-synthesising",
				slog.String("file", filename))
			delete(manifest.Entries, filename)
		}
		queue = append(queue, pending{phrase: phrase, key: key, filename: filename})
	}

	var mu sync.Mutex
	var next int64 = -1
	var wg sync.WaitGroup
	workers := prewarmConcurrency
	if len(queue) < workers {
		workers = len(queue)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := atomic.AddInt64(&next, 1)
				if int(i) >= len(queue) {
					return
				}
				p := queue[i]
				buf, err := synth.SynthesizeBaked(ctx, p.phrase)
				if err != nil {
					c.logger.Warn("pre-warm synthesis failed",
						slog.String("phrase", p.phrase),
						slog.String("error", err.Error()))
					continue
				}
				c.SetBaked(p.key, buf, maxSizeMb)
				c.RegisterPhraseKey(p.key, label)
				if err := os.WriteFile(filepath.Join(dir, p.filename), buf, 0o644); err != nil {
					c.logger.Warn("baked file write failed",
						slog.String("file", p.filename),
						slog.String("error", err.Error()))
					continue
				}
				mu.Lock()
				manifest.Entries[p.filename] = p.phrase
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, ManifestName), raw, 0o644)
	}
	if err != nil {
		c.logger.Warn("manifest write failed", slog.String("error", err.Error()))
	}
	c.logger.Info("pre-warm complete",
		slog.String("label", label),
		slog.Int("phrases", len(phrases)),
		slog.Int("synthesised", len(queue)))
	return nil
}

// loadManifest returns the on-disk manifest when its config hash
// matches, otherwise wipes the baked directory and starts fresh.
func (c *Cache) loadManifest(dir, hash string) Manifest {
	fresh := Manifest{ConfigHash: hash, Entries: make(map[string]string)}
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return fresh
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		c.logger.Warn("manifest corrupt, rebuilding", slog.String("error", err.Error()))
		c.wipeDir(dir)
		return fresh
	}
	if m.ConfigHash != hash {
		c.logger.Info("baked store config hash mismatch, rebuilding",
			slog.String("have", m.ConfigHash),
			slog.String("want", hash))
		c.wipeDir(dir)
		return fresh
	}
	if m.Entries == nil {
		m.Entries = make(map[string]string)
	}
	return m
}

func (c *Cache) wipeDir(dir string) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, it := range items {
		_ = os.Remove(filepath.Join(dir, it.Name()))
	}
}
