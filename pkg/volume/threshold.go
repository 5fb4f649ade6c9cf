package volume

// Normalizer converts calibrated sample values to the fixed [0,1] range used
// by grid consumers. The mapping is anchored to a fixed physical window, not
// to the data extremes, so the same input value always produces the same
// normalized output and grids from different series are directly comparable.
type Normalizer struct {
	Min float64
	Max float64
}

// Normalize maps v into [0,1], clamping values outside the window.
func (n Normalizer) Normalize(v float64) float64 {
	out := (v - n.Min) / (n.Max - n.Min)
	if out < 0 {
		return 0
	}
	if out > 1 {
		return 1
	}
	return out
}

// Apply writes the normalized form of each src sample into dst. The slices
// may alias.
func (n Normalizer) Apply(dst, src []float32) {
	scale := 1 / (n.Max - n.Min)
	for i, v := range src {
		out := (float64(v) - n.Min) * scale
		if out < 0 {
			out = 0
		} else if out > 1 {
			out = 1
		}
		dst[i] = float32(out)
	}
}
