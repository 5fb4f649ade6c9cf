package dicomio

import "log/slog"

// Class labels one candidate file for the series resolver.
type Class int

const (
	// ClassPrimary is an original acquisition image, admitted to volumes.
	ClassPrimary Class = iota
	// ClassSecondary is a derived or secondary-capture image, ignored.
	ClassSecondary
	// ClassNonImage is a valid DICOM object without pixel dimensions.
	ClassNonImage
	// ClassInvalid is anything that failed header decode.
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassPrimary:
		return "primary"
	case ClassSecondary:
		return "secondary"
	case ClassNonImage:
		return "non_image"
	default:
		return "invalid"
	}
}

// Summary carries the classification counts for one directory scan.
type Summary struct {
	Primary   int
	Secondary int
	NonImage  int
	Invalid   int
}

// Add counts one classified file.
func (s *Summary) Add(c Class) {
	switch c {
	case ClassPrimary:
		s.Primary++
	case ClassSecondary:
		s.Secondary++
	case ClassNonImage:
		s.NonImage++
	default:
		s.Invalid++
	}
}

// Total returns the number of classified files.
func (s Summary) Total() int {
	return s.Primary + s.Secondary + s.NonImage + s.Invalid
}

// Classify labels a file from its header alone. Decode failures are logged
// and reported as ClassInvalid, never returned as errors.
func (r *Reader) Classify(path string) Class {
	h, err := r.ReadHeader(path)
	if err != nil {
		slog.Warn("failed to classify file", "path", path, "error", err)
		return ClassInvalid
	}
	return ClassifyHeader(h)
}

// ClassifyHeader applies the classification heuristics to a parsed header.
//
// The inconclusive case defaults to primary: series grouping still buckets by
// UID, so a false positive is self-limiting. This is a deliberate policy
// choice, kept from the observed acquisition systems rather than derived.
func ClassifyHeader(h *Header) Class {
	if !h.HasDimensions {
		return ClassNonImage
	}

	if h.SOPClassUID == SecondaryCaptureSOPClassUID {
		return ClassSecondary
	}

	if len(h.ImageType) > 1 {
		switch {
		case h.ImageType[1] == "PRIMARY":
			return ClassPrimary
		case h.ImageType[1] == "SECONDARY":
			return ClassSecondary
		case h.ImageType[0] == "DERIVED":
			return ClassSecondary
		}
	}

	return ClassPrimary
}
