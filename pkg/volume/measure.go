package volume

import "github.com/jpfielding/dicomvol.go/pkg/config"

// EstimateTissueVolume counts samples inside the closed calibrated range and
// scales by the per-voxel physical volume, returning milliliters. It must run
// on the calibrated raw array, never the normalized grid data: normalization
// destroys the physical unit the range is expressed in.
func EstimateTissueVolume(raw []float32, r config.TissueRange, spacing [3]float64) float64 {
	lo, hi := float32(r.Min), float32(r.Max)
	var count int
	for _, v := range raw {
		if v >= lo && v <= hi {
			count++
		}
	}
	voxelMM3 := spacing[0] * spacing[1] * spacing[2]
	return float64(count) * voxelMM3 / 1000.0
}

// EstimateAll measures every configured tissue range against one raw array.
func EstimateAll(raw []float32, tissues map[string]config.TissueRange, spacing [3]float64) map[string]float64 {
	out := make(map[string]float64, len(tissues))
	for name, r := range tissues {
		out[name] = EstimateTissueVolume(raw, r, spacing)
	}
	return out
}
