package volume_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpfielding/dicomvol.go/pkg/volume"
)

func TestRegistryAllocateUnique(t *testing.T) {
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		a := reg.Allocate("1.2.3")
		require.False(t, seen[a.ID], "duplicate artifact id %s", a.ID)
		seen[a.ID] = true
		assert.Equal(t, volume.StatePending, a.State)
	}
	assert.Len(t, reg.Artifacts("1.2.3"), 20)
}

func TestRegistryLifecycle(t *testing.T) {
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)

	a := reg.Allocate("1.2.3")
	assert.Nil(t, reg.Latest("1.2.3"), "pending artifacts are not servable")

	reg.MarkWritten(a)
	assert.Equal(t, volume.StateWritten, a.State)
	assert.Equal(t, a, reg.Latest("1.2.3"))

	reg.MarkConsumed(a)
	assert.Equal(t, volume.StateConsumed, a.State)
	assert.Equal(t, a, reg.Latest("1.2.3"))
}

func TestRegistryReassemblyKeepsOldArtifact(t *testing.T) {
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)

	first := reg.Allocate("1.2.3")
	reg.MarkWritten(first)
	reg.MarkConsumed(first)

	second := reg.Allocate("1.2.3")
	reg.MarkWritten(second)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.GridPath, second.GridPath)
	assert.Equal(t, second, reg.Latest("1.2.3"))
	assert.Len(t, reg.Artifacts("1.2.3"), 2)
}

func TestRegistryRetirePerSeries(t *testing.T) {
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)

	a := reg.Allocate("1.2.3")
	b := reg.Allocate("4.5.6")
	for _, art := range []*volume.Artifact{a, b} {
		require.NoError(t, writeBytes(art.GridPath, []byte("grid")))
		require.NoError(t, writeBytes(art.RawPath, []byte("raw")))
		require.NoError(t, writeBytes(art.MetaPath, []byte("meta")))
		reg.MarkWritten(art)
	}

	require.NoError(t, reg.Retire("1.2.3"))

	assert.NoFileExists(t, a.GridPath)
	assert.NoFileExists(t, a.RawPath)
	assert.NoFileExists(t, a.MetaPath)
	assert.Empty(t, reg.Artifacts("1.2.3"))

	// the other series' files survive
	assert.FileExists(t, b.GridPath)
	assert.FileExists(t, b.RawPath)
	assert.FileExists(t, b.MetaPath)
	assert.Len(t, reg.Artifacts("4.5.6"), 1)
}

func TestRegistryRetireUnknownSeries(t *testing.T) {
	reg, err := volume.NewRegistry(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Retire("no-such-series"))
}
