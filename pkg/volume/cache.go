package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rawMagic opens every serialized raw-array cache file.
var rawMagic = [8]byte{'V', 'X', 'R', 'A', 'W', '0', '0', '1'}

// RawMeta is the YAML sidecar stored next to a raw cache file. It carries the
// spatial context a later measurement pass needs without re-reading the
// source series.
type RawMeta struct {
	// SpacingMM is (X, Y, Z) voxel size in millimeters.
	SpacingMM [3]float64 `yaml:"spacing_mm"`

	// RawMin and RawMax are the cleaned pre-normalization extremes.
	RawMin float64 `yaml:"raw_min"`
	RawMax float64 `yaml:"raw_max"`
}

// WriteRawCache persists the calibrated raw array and its sidecar. Like
// grids, raw caches are write-once.
func WriteRawCache(rawPath, metaPath string, depth, height, width int, raw []float32, meta RawMeta) error {
	if n := depth * height * width; len(raw) != n {
		return fmt.Errorf("raw array has %d samples, dimensions imply %d", len(raw), n)
	}
	if _, err := os.Stat(rawPath); err == nil {
		return fmt.Errorf("raw cache %s already exists", rawPath)
	}

	f, err := os.Create(rawPath)
	if err != nil {
		return fmt.Errorf("creating raw cache: %w", err)
	}
	defer f.Close()

	if err := writeRaw(f, depth, height, width, raw); err != nil {
		return fmt.Errorf("writing raw cache %s: %w", rawPath, err)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling raw metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return fmt.Errorf("writing raw metadata %s: %w", metaPath, err)
	}
	return nil
}

func writeRaw(w io.Writer, depth, height, width int, raw []float32) error {
	if _, err := w.Write(rawMagic[:]); err != nil {
		return err
	}
	dims := []uint32{uint32(depth), uint32(height), uint32(width)}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, raw)
}

// ReadRawCache loads a raw array, its dimensions and its sidecar.
func ReadRawCache(rawPath, metaPath string) (raw []float32, dims [3]int, meta RawMeta, err error) {
	f, err := os.Open(rawPath)
	if err != nil {
		return nil, dims, meta, fmt.Errorf("opening raw cache: %w", err)
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, dims, meta, fmt.Errorf("reading raw cache %s: %w", rawPath, err)
	}
	if magic != rawMagic {
		return nil, dims, meta, fmt.Errorf("%s is not a raw cache file (bad magic %q)", rawPath, magic[:])
	}

	var d [3]uint32
	if err := binary.Read(f, binary.LittleEndian, &d); err != nil {
		return nil, dims, meta, fmt.Errorf("reading raw cache %s: %w", rawPath, err)
	}
	dims = [3]int{int(d[0]), int(d[1]), int(d[2])}

	raw = make([]float32, dims[0]*dims[1]*dims[2])
	if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
		return nil, dims, meta, fmt.Errorf("reading raw cache %s: %w", rawPath, err)
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, dims, meta, fmt.Errorf("reading raw metadata: %w", err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, dims, meta, fmt.Errorf("parsing raw metadata %s: %w", metaPath, err)
	}
	return raw, dims, meta, nil
}
