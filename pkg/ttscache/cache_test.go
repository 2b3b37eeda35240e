package ttscache

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/providers"
)

var testCfg = providers.TTSConfig{
	Provider: providers.OpenAI,
	Model:    "gpt-4o-mini-tts",
	Voice:    "nova",
}

func TestKeyStability(t *testing.T) {
	k1 := Key(testCfg, "Hello.")
	k2 := Key(testCfg, "Hello.")
	if k1 != k2 {
		t.Fatalf("keys differ: %s vs %s", k1, k2)
	}
	if len(k1) != 12 {
		t.Fatalf("expected 12-char key, got %d", len(k1))
	}
	other := testCfg
	other.Voice = "alloy"
	if Key(other, "Hello.") == k1 {
		t.Fatalf("different voice must change the key")
	}
	if Key(testCfg, "Hello!") == k1 {
		t.Fatalf("different text must change the key")
	}
}

func TestConfigHashLength(t *testing.T) {
	if len(ConfigHash(testCfg)) != 16 {
		t.Fatalf("expected 16-char config hash")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	reg := metrics.NewRegistry()
	c := New(reg, nil)
	key := Key(testCfg, "Hi.")
	buf := []byte("audio-bytes")
	c.Set(key, buf, 50)
	got, ok := c.Get(key)
	if !ok || !bytes.Equal(got, buf) {
		t.Fatalf("round trip failed")
	}
	if reg.Counter(metrics.CounterTTSCacheHits) != 1 {
		t.Fatalf("expected exactly one hit")
	}
	if reg.Counter(metrics.CounterTTSCacheMisses) != 0 {
		t.Fatalf("expected no misses")
	}
}

func TestCacheMissCounts(t *testing.T) {
	reg := metrics.NewRegistry()
	c := New(reg, nil)
	if _, ok := c.Get("nope"); ok {
		t.Fatalf("expected miss")
	}
	if reg.Counter(metrics.CounterTTSCacheMisses) != 1 {
		t.Fatalf("expected one miss")
	}
}

func TestLRUEvictionBound(t *testing.T) {
	reg := metrics.NewRegistry()
	c := New(reg, nil)
	// 1 MB budget, 300 KB entries: only 3 fit.
	buf := make([]byte, 300*1024)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("key-%d", i), buf, 1)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 retained entries, got %d", c.Len())
	}
	if c.TotalBytes() > 1024*1024 {
		t.Fatalf("budget exceeded: %d", c.TotalBytes())
	}
	// The most recently used survive.
	for _, k := range []string{"key-2", "key-3", "key-4"} {
		if !c.Has(k) {
			t.Fatalf("expected %s retained", k)
		}
	}
	if reg.Gauge(metrics.GaugeCacheSizeBytes) != c.TotalBytes() {
		t.Fatalf("gauge out of sync")
	}
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	c := New(nil, nil)
	buf := make([]byte, 400*1024)
	c.Set("a", buf, 1)
	c.Set("b", buf, 1)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a cached")
	}
	c.Set("c", buf, 1) // budget forces one eviction: b is now oldest
	if c.Has("b") {
		t.Fatalf("expected b evicted")
	}
	if !c.Has("a") || !c.Has("c") {
		t.Fatalf("expected a and c retained")
	}
}

func TestSetReplacesExistingAdjustingSize(t *testing.T) {
	c := New(nil, nil)
	c.Set("k", make([]byte, 1000), 50)
	c.Set("k", make([]byte, 200), 50)
	if c.TotalBytes() != 200 {
		t.Fatalf("expected 200 bytes, got %d", c.TotalBytes())
	}
	if c.Len() != 1 {
		t.Fatalf("expected a single entry")
	}
}

func TestEvictionRemovesLabelMembership(t *testing.T) {
	c := New(nil, nil)
	buf := make([]byte, 600*1024)
	c.Set("phrase-1", buf, 1)
	c.RegisterPhraseKey("phrase-1", LabelCheckIns)
	c.Set("phrase-2", buf, 1) // evicts phrase-1
	if _, ok := c.GetRandomPhrase(LabelCheckIns); ok {
		t.Fatalf("evicted key must leave the label set")
	}
}

func TestGetRandomPhraseNoImmediateRepeat(t *testing.T) {
	c := New(nil, nil)
	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("greet-%d", i)
		c.SetBaked(key, []byte{byte(i)}, 50)
		c.RegisterPhraseKey(key, LabelGreetings)
	}
	for i := 0; i < 20; i++ {
		first, ok := c.GetRandomPhrase(LabelGreetings)
		if !ok {
			t.Fatalf("expected phrase")
		}
		second, ok := c.GetRandomPhrase(LabelGreetings)
		if !ok {
			t.Fatalf("expected phrase")
		}
		if bytes.Equal(first.Buffer, second.Buffer) {
			t.Fatalf("immediate repeat with two candidates available")
		}
	}
}

func TestGetRandomPhraseSingleCandidateRepeats(t *testing.T) {
	c := New(nil, nil)
	c.SetBaked("only", []byte("x"), 50)
	c.RegisterPhraseKey("only", LabelGreetings)
	for i := 0; i < 3; i++ {
		p, ok := c.GetRandomPhrase(LabelGreetings)
		if !ok || !p.IsBakedOgg {
			t.Fatalf("expected the single baked phrase")
		}
	}
}

func TestClearDropsLabelSets(t *testing.T) {
	c := New(nil, nil)
	c.SetBaked("k", []byte("x"), 50)
	c.RegisterPhraseKey("k", LabelCheckIns)
	c.Clear()
	if c.Len() != 0 || c.TotalBytes() != 0 {
		t.Fatalf("expected empty cache")
	}
	if _, ok := c.GetRandomPhrase(LabelCheckIns); ok {
		t.Fatalf("expected label sets cleared")
	}
}

func TestEnsureConfigHashClearsOnChange(t *testing.T) {
	c := New(nil, nil)
	c.EnsureConfigHash("aaaa")
	c.Set("k", []byte("x"), 50)
	c.EnsureConfigHash("aaaa")
	if !c.Has("k") {
		t.Fatalf("same hash must not clear")
	}
	c.EnsureConfigHash("bbbb")
	if c.Has("k") {
		t.Fatalf("changed hash must clear")
	}
}
