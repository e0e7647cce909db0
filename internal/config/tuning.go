package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Tuning holds the retrieval knobs operators adjust without a redeploy:
// intent weights for hybrid fusion, the RRF constant, the diversity window,
// and query bounds.
type Tuning struct {
	RRFK            int `yaml:"rrf_k"`
	DiversityWindow int `yaml:"diversity_window"`
	MaxQueryChars   int `yaml:"max_query_chars"`

	Weights map[string]IntentWeights `yaml:"weights"`
}

// IntentWeights is the (vector, text) weight pair used for one query intent.
type IntentWeights struct {
	Vector float64 `yaml:"vector"`
	Text   float64 `yaml:"text"`
}

// WeightsFor resolves the weight pair for an intent, falling back to the
// balanced pair when the intent has no entry.
func (t Tuning) WeightsFor(intent string) (vector, text float64) {
	if w, ok := t.Weights[intent]; ok {
		return w.Vector, w.Text
	}
	if w, ok := t.Weights["balanced"]; ok {
		return w.Vector, w.Text
	}
	return 0.7, 0.3
}

// DefaultTuning returns the built-in values used when no tuning file is
// configured.
func DefaultTuning() Tuning {
	return Tuning{
		RRFK:            60,
		DiversityWindow: 3,
		MaxQueryChars:   4000,
		Weights: map[string]IntentWeights{
			"factual":    {Vector: 0.4, Text: 0.6},
			"conceptual": {Vector: 0.8, Text: 0.2},
			"procedural": {Vector: 0.6, Text: 0.4},
			"balanced":   {Vector: 0.7, Text: 0.3},
		},
	}
}

// loadTuningFile parses a tuning YAML and fills gaps with defaults so a
// partial file never zeroes out a knob.
func loadTuningFile(path string) (Tuning, error) {
	t := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	var raw Tuning
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return t, fmt.Errorf("parse tuning file: %w", err)
	}
	if raw.RRFK > 0 {
		t.RRFK = raw.RRFK
	}
	if raw.DiversityWindow > 0 {
		t.DiversityWindow = raw.DiversityWindow
	}
	if raw.MaxQueryChars > 0 {
		t.MaxQueryChars = raw.MaxQueryChars
	}
	for intent, w := range raw.Weights {
		if w.Vector < 0 || w.Text < 0 || w.Vector+w.Text == 0 {
			continue
		}
		t.Weights[intent] = w
	}
	return t, nil
}

// TuningStore serves the current tuning snapshot and hot-reloads it when the
// backing file changes.
type TuningStore struct {
	mu      sync.RWMutex
	current Tuning

	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool
	logger  *zap.Logger
}

// NewTuningStore loads path (empty means defaults only, no watching).
func NewTuningStore(path string, logger *zap.Logger) (*TuningStore, error) {
	ts := &TuningStore{
		current: DefaultTuning(),
		path:    path,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	if path == "" {
		return ts, nil
	}
	t, err := loadTuningFile(path)
	if err != nil {
		return nil, err
	}
	ts.current = t
	return ts, nil
}

// Get returns the current tuning snapshot by value; callers never see a
// half-applied reload.
func (ts *TuningStore) Get() Tuning {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t := ts.current
	weights := make(map[string]IntentWeights, len(t.Weights))
	for k, v := range t.Weights {
		weights[k] = v
	}
	t.Weights = weights
	return t
}

// Watch starts the fsnotify loop. No-op when no file is configured.
func (ts *TuningStore) Watch() error {
	if ts.path == "" || ts.started {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tuning watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(ts.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch tuning dir: %w", err)
	}
	ts.watcher = watcher
	ts.started = true
	go ts.watchLoop()
	return nil
}

func (ts *TuningStore) watchLoop() {
	base := filepath.Base(ts.path)
	for {
		select {
		case <-ts.stopCh:
			return
		case event, ok := <-ts.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t, err := loadTuningFile(ts.path)
			if err != nil {
				// Keep serving the last good snapshot.
				ts.logger.Warn("Tuning reload failed", zap.String("path", ts.path), zap.Error(err))
				continue
			}
			ts.mu.Lock()
			ts.current = t
			ts.mu.Unlock()
			ts.logger.Info("Tuning reloaded",
				zap.String("path", ts.path),
				zap.Int("rrf_k", t.RRFK),
			)
		case err, ok := <-ts.watcher.Errors:
			if !ok {
				return
			}
			ts.logger.Error("Tuning watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (ts *TuningStore) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.started {
		return nil
	}
	ts.started = false
	close(ts.stopCh)
	return ts.watcher.Close()
}
