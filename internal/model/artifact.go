// artifact.go defines the immutable published model bundle and its on-disk
// layout: <dir>/model_v<N>/ holding a manifest plus one file per learner,
// with a "current" pointer file swapped by atomic rename. Prior versions
// stay on disk for rollback.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// weightTolerance bounds the allowed drift of the ensemble weight sum
// from 1.
const weightTolerance = 1e-9

// Metadata records how an artifact was trained.
type Metadata struct {
	RunID         string    `json:"run_id"`
	TrainedAt     time.Time `json:"trained_at"`
	WindowDays    int       `json:"window_days"`
	Samples       int       `json:"samples"`
	ClassRatio    float64   `json:"class_ratio"` // pre-resampling positive ratio
	ValidationAUC float64   `json:"validation_auc"`
	ValidationF1  float64   `json:"validation_f1"`
}

// Artifact is one immutable trained bundle. Never mutate a published
// artifact; swap a new one through the Handle instead.
type Artifact struct {
	Version       int        `json:"version"`
	SchemaVersion int        `json:"schema_version"`
	Weights       [3]float64 `json:"weights"` // non-negative, sums to 1
	Threshold     float64    `json:"threshold"`
	Meta          Metadata   `json:"meta"`
	Learners      [3]Learner `json:"-"`
}

// Validate checks the publication invariants.
func (a *Artifact) Validate() error {
	var sum float64
	for _, w := range a.Weights {
		if w < 0 {
			return fmt.Errorf("model: negative ensemble weight %v", w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("model: ensemble weights sum to %v, want 1", sum)
	}
	if a.Threshold <= 0 || a.Threshold >= 1 {
		return fmt.Errorf("model: threshold %v outside (0, 1)", a.Threshold)
	}
	for i, l := range a.Learners {
		if l == nil {
			return fmt.Errorf("model: learner %d missing", i)
		}
	}
	return nil
}

// Predict returns the ensemble probability and each base learner's
// contribution p_i for one input row.
func (a *Artifact) Predict(x []float64) (float64, [3]float64) {
	var ps [3]float64
	var ens float64
	for i, l := range a.Learners {
		ps[i] = l.PredictProba(x)
		ens += a.Weights[i] * ps[i]
	}
	return ens, ps
}

// Handle is the atomic pointer the inference engine reads the active
// artifact through. Swap never blocks readers.
type Handle struct {
	ptr atomic.Pointer[Artifact]
}

// Load returns the active artifact, or nil before the first publication.
func (h *Handle) Load() *Artifact { return h.ptr.Load() }

// Swap atomically replaces the active artifact.
func (h *Handle) Swap(a *Artifact) { h.ptr.Store(a) }

// Store manages the artifact directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// OpenStore creates (if needed) and opens the artifact directory.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

const currentFile = "current"

// NextVersion returns one past the highest version on disk.
func (s *Store) NextVersion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, err := s.versionsLocked()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

func (s *Store) versionsLocked() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read models dir: %w", err)
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "model_v") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "model_v"))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// Publish writes the artifact directory and atomically re-points
// "current" at it. The artifact must already carry its version.
func (s *Store) Publish(a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, fmt.Sprintf("model_v%d", a.Version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return err
	}
	for i, l := range a.Learners {
		data, err := MarshalLearner(l)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(dir, fmt.Sprintf("learner_%d.json", i)), data); err != nil {
			return err
		}
	}

	return s.pointCurrentLocked(a.Version)
}

func (s *Store) pointCurrentLocked(version int) error {
	return writeAtomic(filepath.Join(s.dir, currentFile), []byte(strconv.Itoa(version)))
}

// LoadCurrent restores the active artifact, or (nil, nil) when nothing has
// been published yet.
func (s *Store) LoadCurrent() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read current pointer: %w", err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse current pointer: %w", err)
	}
	return s.loadVersionLocked(version)
}

// LoadVersion restores one specific artifact version.
func (s *Store) LoadVersion(version int) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadVersionLocked(version)
}

func (s *Store) loadVersionLocked(version int) (*Artifact, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("model_v%d", version))
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest v%d: %w", version, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal manifest v%d: %w", version, err)
	}
	for i := range a.Learners {
		raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("learner_%d.json", i)))
		if err != nil {
			return nil, fmt.Errorf("read learner %d of v%d: %w", i, version, err)
		}
		l, err := UnmarshalLearner(raw)
		if err != nil {
			return nil, fmt.Errorf("restore learner %d of v%d: %w", i, version, err)
		}
		a.Learners[i] = l
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("artifact v%d invalid: %w", version, err)
	}
	return &a, nil
}

// Rollback re-points "current" at the version preceding the active one
// and returns the restored artifact.
func (s *Store) Rollback() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		return nil, fmt.Errorf("read current pointer: %w", err)
	}
	active, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse current pointer: %w", err)
	}
	versions, err := s.versionsLocked()
	if err != nil {
		return nil, err
	}
	var prev int
	for _, v := range versions {
		if v < active && v > prev {
			prev = v
		}
	}
	if prev == 0 {
		return nil, fmt.Errorf("model: no version precedes v%d", active)
	}
	a, err := s.loadVersionLocked(prev)
	if err != nil {
		return nil, err
	}
	if err := s.pointCurrentLocked(prev); err != nil {
		return nil, err
	}
	return a, nil
}

// writeAtomic writes via a temp file and rename so readers never observe a
// partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
