package volume

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
	"github.com/jpfielding/dicomvol.go/pkg/series"
)

// SliceSource is the per-file decode surface the pipeline needs.
type SliceSource interface {
	ReadSlice(path string) *dicomio.RawSlice
}

// Pipeline runs the full reconstruction for one resolved series: slice
// decode, assembly and artifact persistence through the registry.
type Pipeline struct {
	cfg      *config.Config
	files    SliceSource
	registry *Registry
}

// NewPipeline builds a pipeline over the decode surface and registry.
func NewPipeline(cfg *config.Config, files SliceSource, registry *Registry) *Pipeline {
	return &Pipeline{cfg: cfg, files: files, registry: registry}
}

// AssembleSeries reconstructs one series rooted at root and persists the
// grid and raw cache as a fresh artifact. For a 4D series, timePoint selects
// which acquisition to assemble; pass 0 for the first. The series is marked
// loaded on success and its cached result is updated in place.
func (p *Pipeline) AssembleSeries(ctx context.Context, root string, s *series.SeriesInfo, timePoint int, progress series.Progress) (*Artifact, *Result, error) {
	paths, err := slicePaths(s, timePoint)
	if err != nil {
		return nil, nil, err
	}

	slices := make([]*dicomio.RawSlice, 0, len(paths))
	for i, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		sl := p.files.ReadSlice(filepath.Join(root, rel))
		if sl == nil {
			continue
		}
		slices = append(slices, sl)
		progress.Report("reading slices", i+1, len(paths))
	}
	if skipped := len(paths) - len(slices); skipped > 0 {
		slog.Warn("skipped undecodable slices",
			"series", s.SeriesInstanceUID, "skipped", skipped)
	}

	res, err := NewAssembler(p.cfg).Assemble(ctx, slices, progress)
	if err != nil {
		return nil, nil, fmt.Errorf("assembling series %s: %w", s.SeriesInstanceUID, err)
	}
	g := res.Grid

	a := p.registry.Allocate(s.SeriesInstanceUID)
	if err := WriteGridFile(a.GridPath, g); err != nil {
		return nil, nil, err
	}
	meta := RawMeta{SpacingMM: g.Spacing, RawMin: g.RawMin, RawMax: g.RawMax}
	if err := WriteRawCache(a.RawPath, a.MetaPath, g.Depth, g.Height, g.Width, res.Raw, meta); err != nil {
		return nil, nil, err
	}
	p.registry.MarkWritten(a)

	s.IsLoaded = true
	slog.Info("assembled series",
		"series", s.SeriesInstanceUID,
		"artifact", a.ID,
		"depth", g.Depth, "height", g.Height, "width", g.Width)
	return a, res, nil
}

// MeasureSeries runs the tissue estimator for every configured range over
// the latest written artifact's raw cache and records the results on the
// series.
func (p *Pipeline) MeasureSeries(s *series.SeriesInfo) (map[string]float64, error) {
	a := p.registry.Latest(s.SeriesInstanceUID)
	if a == nil {
		return nil, fmt.Errorf("series %s has no assembled artifact", s.SeriesInstanceUID)
	}

	raw, _, meta, err := ReadRawCache(a.RawPath, a.MetaPath)
	if err != nil {
		return nil, err
	}

	volumes := EstimateAll(raw, p.cfg.Tissues, meta.SpacingMM)
	s.TissueVolumes = volumes
	return volumes, nil
}

// RetireSeries removes the series' artifacts from disk and clears its
// lifecycle state on the patient record.
func (p *Pipeline) RetireSeries(patient *series.Patient, uid string) error {
	if patient.SeriesByUID(uid) == nil {
		return fmt.Errorf("unknown series %s", uid)
	}
	patient.RetireSeries(uid)
	return p.registry.Retire(uid)
}

// slicePaths picks the file list to assemble: the selected acquisition for a
// 4D series, the flat list otherwise.
func slicePaths(s *series.SeriesInfo, timePoint int) ([]string, error) {
	if !s.Is4D || len(s.TimePoints) == 0 {
		return s.FilePaths, nil
	}
	if timePoint < 0 || timePoint >= len(s.TimePoints) {
		return nil, fmt.Errorf("series %s has %d time points, requested %d",
			s.SeriesInstanceUID, len(s.TimePoints), timePoint)
	}
	return s.TimePoints[timePoint].FilePaths, nil
}
