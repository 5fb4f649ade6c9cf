package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
	"github.com/jpfielding/dicomvol.go/pkg/series"
)

// ErrInsufficientSlices is returned when fewer than the configured minimum of
// shape-matched slices remain; a grid cannot be interpolated from one slice.
var ErrInsufficientSlices = errors.New("not enough slices to assemble a volume")

// DensityField is the scalar field name every assembled grid carries.
const DensityField = "density"

// Result is one completed assembly. Grid holds the normalized write-once
// artifact; Raw is the calibrated stack before outlier cleaning, preserved
// because threshold measurement must run on pre-normalization values.
type Result struct {
	Grid *Grid
	Raw  []float32
}

// Assembler stacks calibrated slices into normalized grids using the
// configured cleaning and normalization windows.
type Assembler struct {
	cfg *config.Config
}

// NewAssembler builds an assembler over the given configuration.
func NewAssembler(cfg *config.Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble orders the slices along the acquisition axis, stacks the
// shape-consistent subset, cleans padding artifacts, normalizes into [0,1]
// and derives the physical transform. The input order does not matter: slices
// are sorted by their projection onto the slice-plane normal, which follows
// the scanner geometry rather than file naming.
func (a *Assembler) Assemble(ctx context.Context, slices []*dicomio.RawSlice, progress series.Progress) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*dicomio.RawSlice, len(slices))
	copy(ordered, slices)
	sortByNormalProjection(ordered)

	// Shape filter keyed on the first ordered slice. Mixed shapes within one
	// series usually mean localizer frames slipped through classification.
	kept := ordered[:0]
	var discarded int
	var rows, cols int
	for i, s := range ordered {
		if i == 0 {
			rows, cols = s.Rows, s.Cols
		}
		if s.Rows != rows || s.Cols != cols {
			slog.Warn("discarding shape-mismatched slice",
				"path", s.Path, "rows", s.Rows, "cols", s.Cols,
				"want_rows", rows, "want_cols", cols)
			discarded++
			continue
		}
		kept = append(kept, s)
	}
	if discarded > 0 {
		slog.Info("shape filter discarded slices", "discarded", discarded, "kept", len(kept))
	}

	if len(kept) < a.cfg.Volume.MinSlices {
		return nil, fmt.Errorf("%d usable slices (min %d): %w",
			len(kept), a.cfg.Volume.MinSlices, ErrInsufficientSlices)
	}

	depth := len(kept)
	plane := rows * cols
	raw := make([]float32, depth*plane)
	for i, s := range kept {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		copy(raw[i*plane:(i+1)*plane], s.Pixels)
		progress.Report("stacking", i+1, depth)
	}

	first := kept[0]
	spacing, err := voxelSpacing(first)
	if err != nil {
		return nil, err
	}

	data := make([]float32, len(raw))
	copy(data, raw)
	cleaned, observedMin := cleanOutliers(data, a.cfg.Volume.OutlierFloor, a.cfg.Volume.OutlierClamp)
	if cleaned > 0 {
		slog.Warn("extreme negative values clamped", "min", observedMin,
			"samples", cleaned, "clamp", a.cfg.Volume.OutlierClamp)
	}

	rawMin, rawMax := minMax(data)
	logStats(data, rawMin, rawMax)

	norm := Normalizer{Min: a.cfg.Volume.NormalizeMin, Max: a.cfg.Volume.NormalizeMax}
	norm.Apply(data, data)
	progress.Report("normalizing", depth, depth)

	g := &Grid{
		FieldName: DensityField,
		Depth:     depth,
		Height:    rows,
		Width:     cols,
		Spacing:   spacing,
		Transform: gridTransform(spacing),
		Origin:    rendererOrigin(first.Position),
		RawMin:    rawMin,
		RawMax:    rawMax,
		Data:      data,
	}
	return &Result{Grid: g, Raw: raw}, nil
}

// sortByNormalProjection orders slices by the dot product of their patient
// position with the slice-plane normal (cross of the row and column direction
// cosines). This is the geometric stacking axis and is stable against file
// naming, instance numbering gaps and reversed acquisitions.
func sortByNormalProjection(slices []*dicomio.RawSlice) {
	keys := make(map[*dicomio.RawSlice]float64, len(slices))
	for _, s := range slices {
		n := planeNormal(s.Orientation)
		keys[s] = n[0]*s.Position[0] + n[1]*s.Position[1] + n[2]*s.Position[2]
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return keys[slices[i]] < keys[slices[j]]
	})
}

// planeNormal returns the cross product of the row and column cosines.
func planeNormal(o [6]float64) [3]float64 {
	return [3]float64{
		o[1]*o[5] - o[2]*o[4],
		o[2]*o[3] - o[0]*o[5],
		o[0]*o[4] - o[1]*o[3],
	}
}

// voxelSpacing derives (X, Y, Z) mm spacing from the first slice. A
// non-positive thickness falls back to the larger in-plane spacing so the
// grid stays roughly isotropic rather than degenerate.
func voxelSpacing(s *dicomio.RawSlice) ([3]float64, error) {
	rowSp, colSp := s.PixelSpacing[0], s.PixelSpacing[1]
	if rowSp <= 0 || colSp <= 0 {
		return [3]float64{}, fmt.Errorf("slice %s has non-positive pixel spacing (%g, %g)",
			s.Path, rowSp, colSp)
	}
	thickness := s.SliceThickness
	if thickness <= 0 {
		thickness = math.Max(rowSp, colSp)
		slog.Warn("non-positive slice thickness, substituting in-plane spacing",
			"path", s.Path, "thickness", s.SliceThickness, "substitute", thickness)
	}
	return [3]float64{colSp, rowSp, thickness}, nil
}

// cleanOutliers clamps padding values in place when the volume minimum falls
// below the floor. Scanners pad the circular field of view with large
// negative sentinels that would otherwise stretch the density range. The
// pre-clamp minimum is returned so callers can surface it.
func cleanOutliers(data []float32, floor, clamp float64) (int, float64) {
	min, _ := minMax(data)
	if min >= floor {
		return 0, min
	}
	c := float32(clamp)
	var n int
	for i, v := range data {
		if float64(v) < clamp {
			data[i] = c
			n++
		}
	}
	return n, min
}

func minMax(data []float32) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	min, max := data[0], data[0]
	for _, v := range data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return float64(min), float64(max)
}

// logStats records the cleaned distribution for diagnosis of miscalibrated
// series. Sampled to bound the cost on large volumes.
func logStats(data []float32, min, max float64) {
	const maxSamples = 1 << 20
	stride := len(data)/maxSamples + 1
	sampled := make([]float64, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		sampled = append(sampled, float64(data[i]))
	}
	mean, std := stat.MeanStdDev(sampled, nil)
	slog.Info("assembled volume statistics",
		"min", min, "max", max, "mean", mean, "std", std)
}

// gridTransform builds the diagonal grid-index→meters transform, ordered to
// match the array's (Z,Y,X) layout.
func gridTransform(spacing [3]float64) *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	t.Set(0, 0, spacing[2]*0.001)
	t.Set(1, 1, spacing[1]*0.001)
	t.Set(2, 2, spacing[0]*0.001)
	t.Set(3, 3, 1)
	return t
}

// rendererOrigin converts the patient-frame position (mm) into the consuming
// renderer's frame (meters): the Y axis flips between the two conventions.
func rendererOrigin(pos [3]float64) [3]float64 {
	return [3]float64{pos[0] * 0.001, -pos[1] * 0.001, pos[2] * 0.001}
}
