// Package volume assembles calibrated slices into dense 3D grids, serializes
// them as write-once binary artifacts, and provides threshold-based
// volumetric measurement over the calibrated raw arrays.
package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"
)

// gridMagic opens every serialized grid container.
var gridMagic = [8]byte{'V', 'X', 'G', 'R', 'I', 'D', '0', '1'}

// Grid is one assembled volumetric artifact: a dense normalized float array
// in (Z,Y,X) order with its physical spacing and grid-index→physical
// transform. A grid is written once and never mutated; re-assembly produces a
// new grid under a new identifier.
type Grid struct {
	// FieldName is the scalar field identifier consumers look up.
	FieldName string

	// Array dimensions: Data holds Depth*Height*Width samples, Z-major.
	Depth  int
	Height int
	Width  int

	// Spacing is (X, Y, Z) voxel size in millimeters.
	Spacing [3]float64

	// Transform maps grid index to physical length units (meters). It is
	// diagonal, ordered to match the array's (Z,Y,X) layout.
	Transform *mat.Dense

	// Origin is the world placement of the first voxel in the consuming
	// renderer's frame, in meters.
	Origin [3]float64

	// RawMin and RawMax are the cleaned sample extremes before
	// normalization, in calibrated physical units.
	RawMin float64
	RawMax float64

	// Data is the normalized [0,1] sample array.
	Data []float32
}

// Validate checks the grid invariants: shape matches the dimensions exactly,
// spacing is strictly positive and the transform diagonal matches spacing in
// the grid's native units (meters), ordered (Z,Y,X).
func (g *Grid) Validate() error {
	if n := g.Depth * g.Height * g.Width; len(g.Data) != n {
		return fmt.Errorf("grid data has %d samples, dimensions imply %d", len(g.Data), n)
	}
	for i, s := range g.Spacing {
		if s <= 0 {
			return fmt.Errorf("grid spacing axis %d is non-positive: %g", i, s)
		}
	}
	if g.Transform == nil {
		return fmt.Errorf("grid transform missing")
	}
	if r, c := g.Transform.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("grid transform is %dx%d, want 4x4", r, c)
	}
	want := [3]float64{g.Spacing[2], g.Spacing[1], g.Spacing[0]} // (Z,Y,X) mm
	for i := 0; i < 3; i++ {
		if diff := g.Transform.At(i, i)*1000 - want[i]; diff > 1e-9 || diff < -1e-9 {
			return fmt.Errorf("transform diagonal %d (%g m) does not match spacing %g mm",
				i, g.Transform.At(i, i), want[i])
		}
	}
	return nil
}

// WriteGridFile serializes the grid to path. Producers write once and never
// append; an existing file is refused rather than overwritten, since it may
// still be in use by a consumer.
func WriteGridFile(path string, g *Grid) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid grid: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("grid file %s already exists", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating grid file: %w", err)
	}
	defer f.Close()

	if err := writeGrid(f, g); err != nil {
		return fmt.Errorf("writing grid file %s: %w", path, err)
	}
	return nil
}

func writeGrid(w io.Writer, g *Grid) error {
	if _, err := w.Write(gridMagic[:]); err != nil {
		return err
	}

	name := []byte(g.FieldName)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}

	dims := []uint32{uint32(g.Depth), uint32(g.Height), uint32(g.Width)}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.Spacing); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.Origin); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.RawMin); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.RawMax); err != nil {
		return err
	}

	var xf [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			xf[r*4+c] = g.Transform.At(r, c)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, xf); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, g.Data)
}

// ReadGridFile loads a serialized grid and re-checks its invariants.
func ReadGridFile(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening grid file: %w", err)
	}
	defer f.Close()

	g, err := readGrid(f)
	if err != nil {
		return nil, fmt.Errorf("reading grid file %s: %w", path, err)
	}
	return g, nil
}

func readGrid(r io.Reader) (*Grid, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != gridMagic {
		return nil, fmt.Errorf("not a grid file (bad magic %q)", magic[:])
	}

	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return nil, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}

	var dims [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, err
	}

	g := &Grid{
		FieldName: string(name),
		Depth:     int(dims[0]),
		Height:    int(dims[1]),
		Width:     int(dims[2]),
	}

	if err := binary.Read(r, binary.LittleEndian, &g.Spacing); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &g.Origin); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &g.RawMin); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &g.RawMax); err != nil {
		return nil, err
	}

	var xf [16]float64
	if err := binary.Read(r, binary.LittleEndian, &xf); err != nil {
		return nil, err
	}
	g.Transform = mat.NewDense(4, 4, xf[:])

	g.Data = make([]float32, g.Depth*g.Height*g.Width)
	if err := binary.Read(r, binary.LittleEndian, g.Data); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
