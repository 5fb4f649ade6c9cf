package volume_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
	"github.com/jpfielding/dicomvol.go/pkg/series"
	"github.com/jpfielding/dicomvol.go/pkg/volume"
)

// fakeSlices serves canned slices keyed by path base name.
type fakeSlices struct {
	slices map[string]*dicomio.RawSlice
}

func (f *fakeSlices) ReadSlice(path string) *dicomio.RawSlice {
	return f.slices[filepath.Base(path)]
}

func testPipeline(t *testing.T, slices map[string]*dicomio.RawSlice) (*volume.Pipeline, *volume.Registry) {
	t.Helper()
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)
	return volume.NewPipeline(config.Default(), &fakeSlices{slices: slices}, reg), reg
}

func TestPipelineAssembleSeries(t *testing.T) {
	slices := map[string]*dicomio.RawSlice{
		"f1": testSlice(0, 100, 4, 4),
		"f2": testSlice(2.5, 200, 4, 4),
		"f3": testSlice(5, 300, 4, 4),
	}
	p, reg := testPipeline(t, slices)

	s := &series.SeriesInfo{
		SeriesInstanceUID: "1.2.3",
		FilePaths:         []string{"f1", "f2", "f3"},
		SliceCount:        3,
	}

	a, res, err := p.AssembleSeries(context.Background(), "/data", s, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, volume.StateWritten, a.State)
	assert.True(t, s.IsLoaded)
	assert.Equal(t, 3, res.Grid.Depth)

	// artifact files exist and round trip
	got, err := volume.ReadGridFile(a.GridPath)
	require.NoError(t, err)
	assert.Equal(t, res.Grid.Data, got.Data)

	raw, dims, meta, err := volume.ReadRawCache(a.RawPath, a.MetaPath)
	require.NoError(t, err)
	assert.Equal(t, res.Raw, raw)
	assert.Equal(t, [3]int{3, 4, 4}, dims)
	assert.Equal(t, res.Grid.Spacing, meta.SpacingMM)

	assert.Equal(t, a, reg.Latest("1.2.3"))
}

func TestPipelineAssemble4DTimePoint(t *testing.T) {
	slices := map[string]*dicomio.RawSlice{
		"a1": testSlice(0, 10, 4, 4),
		"a2": testSlice(2.5, 10, 4, 4),
		"b1": testSlice(0, 99, 4, 4),
		"b2": testSlice(2.5, 99, 4, 4),
	}
	p, _ := testPipeline(t, slices)

	s := &series.SeriesInfo{
		SeriesInstanceUID: "1.2.3",
		Is4D:              true,
		TimePoints: []series.TimePoint{
			{AcquisitionNumber: 1, FilePaths: []string{"a1", "a2"}, SliceCount: 2},
			{AcquisitionNumber: 2, FilePaths: []string{"b1", "b2"}, SliceCount: 2},
		},
		FilePaths: []string{"a1", "a2", "b1", "b2"},
	}

	_, res, err := p.AssembleSeries(context.Background(), "/data", s, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Grid.Depth)
	assert.Equal(t, float32(99), res.Raw[0])

	_, _, err = p.AssembleSeries(context.Background(), "/data", s, 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time points")
}

func TestPipelineAssembleSkipsBadSlices(t *testing.T) {
	slices := map[string]*dicomio.RawSlice{
		"f1": testSlice(0, 1, 4, 4),
		"f3": testSlice(5, 3, 4, 4),
	}
	p, _ := testPipeline(t, slices)

	s := &series.SeriesInfo{
		SeriesInstanceUID: "1.2.3",
		FilePaths:         []string{"f1", "f2", "f3"}, // f2 undecodable
	}

	_, res, err := p.AssembleSeries(context.Background(), "/data", s, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Grid.Depth)
}

func TestPipelineAssembleInsufficient(t *testing.T) {
	p, _ := testPipeline(t, map[string]*dicomio.RawSlice{"f1": testSlice(0, 1, 4, 4)})

	s := &series.SeriesInfo{SeriesInstanceUID: "1.2.3", FilePaths: []string{"f1"}}
	_, _, err := p.AssembleSeries(context.Background(), "/data", s, 0, nil)
	require.ErrorIs(t, err, volume.ErrInsufficientSlices)
	assert.False(t, s.IsLoaded)
}

func TestPipelineMeasureSeries(t *testing.T) {
	bone := testSlice(0, 500, 4, 4)
	soft := testSlice(2.5, 40, 4, 4)
	p, _ := testPipeline(t, map[string]*dicomio.RawSlice{"f1": bone, "f2": soft})

	s := &series.SeriesInfo{SeriesInstanceUID: "1.2.3", FilePaths: []string{"f1", "f2"}}
	_, _, err := p.AssembleSeries(context.Background(), "/data", s, 0, nil)
	require.NoError(t, err)

	volumes, err := p.MeasureSeries(s)
	require.NoError(t, err)
	assert.Equal(t, volumes, s.TissueVolumes)

	// 16 voxels at 500, 0.75*0.5*2.5 mm^3 each
	voxel := 0.75 * 0.5 * 2.5
	assert.InDelta(t, 16*voxel/1000, volumes["bone"], 1e-9)
	assert.InDelta(t, 16*voxel/1000, volumes["soft"], 1e-9)
	assert.Equal(t, 0.0, volumes["fat"])
}

func TestPipelineMeasureWithoutArtifact(t *testing.T) {
	p, _ := testPipeline(t, nil)
	s := &series.SeriesInfo{SeriesInstanceUID: "1.2.3"}
	_, err := p.MeasureSeries(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no assembled artifact")
}

func TestPipelineRetireSeries(t *testing.T) {
	slices := map[string]*dicomio.RawSlice{
		"f1": testSlice(0, 1, 4, 4),
		"f2": testSlice(2.5, 2, 4, 4),
	}
	p, reg := testPipeline(t, slices)

	patient := series.NewPatient()
	s := &series.SeriesInfo{SeriesInstanceUID: "1.2.3", FilePaths: []string{"f1", "f2"}}
	patient.Series = append(patient.Series, s)

	a, _, err := p.AssembleSeries(context.Background(), "/data", s, 0, nil)
	require.NoError(t, err)

	require.NoError(t, p.RetireSeries(patient, "1.2.3"))
	assert.False(t, s.IsLoaded)
	assert.NoFileExists(t, a.GridPath)
	assert.NoFileExists(t, a.RawPath)
	assert.Empty(t, reg.Artifacts("1.2.3"))

	require.Error(t, p.RetireSeries(patient, "no-such"))
}
