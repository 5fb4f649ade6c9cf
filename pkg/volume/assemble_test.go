package volume_test

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
	"github.com/jpfielding/dicomvol.go/pkg/volume"
)

func testSlice(z float64, fill float32, rows, cols int) *dicomio.RawSlice {
	pixels := make([]float32, rows*cols)
	for i := range pixels {
		pixels[i] = fill
	}
	return &dicomio.RawSlice{
		Pixels:         pixels,
		Rows:           rows,
		Cols:           cols,
		PixelSpacing:   [2]float64{0.5, 0.75},
		SliceThickness: 2.5,
		Position:       [3]float64{10, 20, z},
		Orientation:    [6]float64{1, 0, 0, 0, 1, 0},
		Path:           fmt.Sprintf("slice_z%v", z),
	}
}

func TestAssembleShape(t *testing.T) {
	slices := []*dicomio.RawSlice{
		testSlice(0, 100, 8, 16),
		testSlice(2.5, 200, 8, 16),
		testSlice(5.0, 300, 8, 16),
	}

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), slices, nil)
	require.NoError(t, err)

	g := res.Grid
	assert.Equal(t, 3, g.Depth)
	assert.Equal(t, 8, g.Height)
	assert.Equal(t, 16, g.Width)
	assert.Len(t, g.Data, 3*8*16)
	assert.Len(t, res.Raw, 3*8*16)
	assert.Equal(t, volume.DensityField, g.FieldName)
	require.NoError(t, g.Validate())
}

func TestAssembleOrderIndependence(t *testing.T) {
	var slices []*dicomio.RawSlice
	for i := 0; i < 10; i++ {
		slices = append(slices, testSlice(float64(i)*2.5, float32(i*10), 4, 4))
	}

	baseline, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), slices, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 5; trial++ {
		shuffled := make([]*dicomio.RawSlice, len(slices))
		copy(shuffled, slices)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), shuffled, nil)
		require.NoError(t, err)
		assert.Equal(t, baseline.Grid.Data, res.Grid.Data)
		assert.Equal(t, baseline.Grid.Origin, res.Grid.Origin)
	}
}

func TestAssembleReversedAcquisition(t *testing.T) {
	// slices delivered head-to-foot must stack identically to foot-to-head
	forward := []*dicomio.RawSlice{
		testSlice(0, 1, 4, 4),
		testSlice(2.5, 2, 4, 4),
		testSlice(5, 3, 4, 4),
	}
	reversed := []*dicomio.RawSlice{forward[2], forward[1], forward[0]}

	a, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), forward, nil)
	require.NoError(t, err)
	b, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), reversed, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Grid.Data, b.Grid.Data)
}

func TestAssembleInsufficientSlices(t *testing.T) {
	_, err := volume.NewAssembler(config.Default()).Assemble(context.Background(),
		[]*dicomio.RawSlice{testSlice(0, 0, 4, 4)}, nil)
	require.ErrorIs(t, err, volume.ErrInsufficientSlices)
}

func TestAssembleShapeFilter(t *testing.T) {
	slices := []*dicomio.RawSlice{
		testSlice(0, 1, 8, 8),
		testSlice(2.5, 2, 8, 8),
		testSlice(5, 3, 16, 16), // localizer that slipped through
		testSlice(7.5, 4, 8, 8),
	}

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), slices, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Grid.Depth)
	assert.Equal(t, 8, res.Grid.Height)
}

func TestAssembleOutlierClamp(t *testing.T) {
	s0 := testSlice(0, 50, 4, 4)
	s1 := testSlice(2.5, 50, 4, 4)
	s0.Pixels[0] = -3000 // scanner padding sentinel

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(),
		[]*dicomio.RawSlice{s0, s1}, nil)
	require.NoError(t, err)

	// cleaned extremes reflect the clamp
	assert.Equal(t, -1024.0, res.Grid.RawMin)
	assert.Equal(t, 50.0, res.Grid.RawMax)

	// padding sample normalizes to exactly zero
	assert.Equal(t, float32(0), res.Grid.Data[0])

	// the persisted raw array keeps the original sentinel
	assert.Equal(t, float32(-3000), res.Raw[0])
}

// recordingHandler captures log records so tests can assert on emitted
// warnings.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestAssembleOutlierClampWarnsObservedMin(t *testing.T) {
	h := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	defer slog.SetDefault(prev)

	s0 := testSlice(0, 50, 4, 4)
	s1 := testSlice(2.5, 50, 4, 4)
	s0.Pixels[0] = -3000

	_, err := volume.NewAssembler(config.Default()).Assemble(context.Background(),
		[]*dicomio.RawSlice{s0, s1}, nil)
	require.NoError(t, err)

	var warned bool
	for _, r := range h.records {
		if r.Message != "extreme negative values clamped" {
			continue
		}
		warned = true
		assert.Equal(t, slog.LevelWarn, r.Level)
		var min float64
		var samples int64
		r.Attrs(func(a slog.Attr) bool {
			switch a.Key {
			case "min":
				min = a.Value.Float64()
			case "samples":
				samples = a.Value.Int64()
			}
			return true
		})
		assert.Equal(t, -3000.0, min)
		assert.Equal(t, int64(1), samples)
	}
	assert.True(t, warned, "expected a clamp warning carrying the observed minimum")
}

func TestAssembleNoClampWithoutSentinel(t *testing.T) {
	// a minimum above the floor is left alone even when negative
	s0 := testSlice(0, -500, 4, 4)
	s1 := testSlice(2.5, 100, 4, 4)

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(),
		[]*dicomio.RawSlice{s0, s1}, nil)
	require.NoError(t, err)
	assert.Equal(t, -500.0, res.Grid.RawMin)
}

func TestAssembleSpacingAndTransform(t *testing.T) {
	slices := []*dicomio.RawSlice{testSlice(0, 0, 4, 4), testSlice(2.5, 0, 4, 4)}

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), slices, nil)
	require.NoError(t, err)

	g := res.Grid
	// spacing is (col, row, thickness) mm
	assert.Equal(t, [3]float64{0.75, 0.5, 2.5}, g.Spacing)

	// transform diagonal is (Z,Y,X) in meters
	assert.InDelta(t, 0.0025, g.Transform.At(0, 0), 1e-12)
	assert.InDelta(t, 0.0005, g.Transform.At(1, 1), 1e-12)
	assert.InDelta(t, 0.00075, g.Transform.At(2, 2), 1e-12)
	assert.Equal(t, 1.0, g.Transform.At(3, 3))

	// origin flips Y and scales mm to meters
	assert.Equal(t, [3]float64{0.01, -0.02, 0}, g.Origin)
}

func TestAssembleThicknessFallback(t *testing.T) {
	s0 := testSlice(0, 0, 4, 4)
	s1 := testSlice(2.5, 0, 4, 4)
	s0.SliceThickness = 0
	s1.SliceThickness = 0

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(),
		[]*dicomio.RawSlice{s0, s1}, nil)
	require.NoError(t, err)
	// falls back to the larger in-plane spacing
	assert.Equal(t, 0.75, res.Grid.Spacing[2])
}

func TestAssembleClinicalScale(t *testing.T) {
	if testing.Short() {
		t.Skip("large allocation")
	}

	var slices []*dicomio.RawSlice
	for i := 0; i < 120; i++ {
		slices = append(slices, testSlice(float64(i)*1.0, float32(i-100), 512, 512))
	}

	res, err := volume.NewAssembler(config.Default()).Assemble(context.Background(), slices, nil)
	require.NoError(t, err)
	assert.Equal(t, 120, res.Grid.Depth)
	assert.Equal(t, 512, res.Grid.Height)
	assert.Equal(t, 512, res.Grid.Width)
	assert.Len(t, res.Grid.Data, 120*512*512)
	require.NoError(t, res.Grid.Validate())
}
