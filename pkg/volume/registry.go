package volume

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// State tracks an artifact through its lifecycle. Artifacts are never
// mutated after writing; re-assembly allocates a fresh identifier instead.
type State int

const (
	// StatePending marks an allocated artifact whose files are not yet on
	// disk.
	StatePending State = iota

	// StateWritten marks a completed, immutable artifact.
	StateWritten

	// StateConsumed marks an artifact handed to a downstream consumer; it
	// must survive until its series is retired.
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWritten:
		return "written"
	case StateConsumed:
		return "consumed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Artifact is one allocated grid with its companion raw cache, identified by
// a unique ID so stale consumers can never collide with a re-assembly.
type Artifact struct {
	ID        string
	SeriesUID string
	GridPath  string
	RawPath   string
	MetaPath  string
	State     State
}

// Registry tracks artifacts per series and owns the cache directory they are
// written into. Safe for concurrent use.
type Registry struct {
	dir string

	mu       sync.Mutex
	bySeries map[string][]*Artifact
}

// NewRegistry builds a registry rooted at dir, creating it if needed.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Registry{
		dir:      dir,
		bySeries: make(map[string][]*Artifact),
	}, nil
}

// Dir returns the cache directory artifacts are written into.
func (r *Registry) Dir() string { return r.dir }

// Allocate reserves a new artifact for the series. Every allocation gets a
// fresh ID, so previously written grids for the same series remain valid for
// any consumer still holding them.
func (r *Registry) Allocate(seriesUID string) *Artifact {
	id := uuid.NewString()
	a := &Artifact{
		ID:        id,
		SeriesUID: seriesUID,
		GridPath:  filepath.Join(r.dir, "vol_"+id+".vxg"),
		RawPath:   filepath.Join(r.dir, "vol_"+id+".raw"),
		MetaPath:  filepath.Join(r.dir, "vol_"+id+".yaml"),
		State:     StatePending,
	}

	r.mu.Lock()
	r.bySeries[seriesUID] = append(r.bySeries[seriesUID], a)
	r.mu.Unlock()
	return a
}

// MarkWritten records that the artifact's files are complete on disk.
func (r *Registry) MarkWritten(a *Artifact) {
	r.mu.Lock()
	a.State = StateWritten
	r.mu.Unlock()
}

// MarkConsumed records that a downstream consumer holds the artifact.
func (r *Registry) MarkConsumed(a *Artifact) {
	r.mu.Lock()
	a.State = StateConsumed
	r.mu.Unlock()
}

// Artifacts returns the artifacts allocated for one series, oldest first.
func (r *Registry) Artifacts(seriesUID string) []*Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Artifact, len(r.bySeries[seriesUID]))
	copy(out, r.bySeries[seriesUID])
	return out
}

// Latest returns the most recently written artifact for a series, or nil.
func (r *Registry) Latest(seriesUID string) *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	arts := r.bySeries[seriesUID]
	for i := len(arts) - 1; i >= 0; i-- {
		if arts[i].State != StatePending {
			return arts[i]
		}
	}
	return nil
}

// Retire removes every artifact belonging to one series, files included.
// Artifacts of other series are untouched: retirement is per-series, never a
// directory sweep.
func (r *Registry) Retire(seriesUID string) error {
	r.mu.Lock()
	arts := r.bySeries[seriesUID]
	delete(r.bySeries, seriesUID)
	r.mu.Unlock()

	var firstErr error
	for _, a := range arts {
		for _, p := range []string{a.GridPath, a.RawPath, a.MetaPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove retired artifact file", "path", p, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
