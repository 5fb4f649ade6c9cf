// Package dicomio wraps the DICOM decode collaborator behind the two narrow
// read modes the pipeline needs: a cheap header-only pass for classification
// and series grouping, and a full per-slice decode that applies the linear
// rescale calibration. Every "attribute absent" default comes from one
// config.DecodeDefaults table so the fallbacks are auditable in one place.
package dicomio

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"

	"github.com/jpfielding/dicomvol.go/pkg/config"
)

// SecondaryCaptureSOPClassUID identifies secondary-capture images, which are
// screenshots/derived renders rather than primary acquisitions.
const SecondaryCaptureSOPClassUID = "1.2.840.10008.5.1.4.1.1.7"

// Header is the typed header subset the resolver and classifier rely on.
// Spatial fields already carry the configured defaults when the attribute was
// absent; presence flags are kept where absence is itself a signal.
type Header struct {
	SOPClassUID       string
	SeriesInstanceUID string
	SeriesNumber      int
	SeriesDescription string
	Modality          string
	ImageType         []string

	StudyInstanceUID    string
	StudyDate           string
	StudyDescription    string
	FrameOfReferenceUID string

	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	Rows, Cols    int
	HasDimensions bool

	AcquisitionNumber    int
	HasAcquisitionNumber bool
	InstanceNumber       int

	PixelSpacing   [2]float64 // (row, col) mm
	SliceThickness float64
	SliceLocation  float64
	Position       [3]float64
	Orientation    [6]float64

	WindowCenter *float64
	WindowWidth  *float64

	RescaleSlope     float64
	RescaleIntercept float64

	Path string
}

// RawSlice is one decoded, calibrated 2D image. Immutable after creation.
type RawSlice struct {
	Pixels []float32 // row-major, Rows*Cols, calibrated physical units
	Rows   int
	Cols   int

	PixelSpacing   [2]float64 // (row, col) mm
	SliceThickness float64
	SliceLocation  float64
	InstanceNumber int
	Position       [3]float64
	Orientation    [6]float64

	WindowCenter *float64
	WindowWidth  *float64

	RescaleSlope     float64
	RescaleIntercept float64

	Path string
}

// Reader decodes DICOM files using the configured absent-attribute defaults.
type Reader struct {
	defaults config.DecodeDefaults
}

// NewReader builds a Reader around the config's decode defaults table.
func NewReader(cfg *config.Config) *Reader {
	return &Reader{defaults: cfg.Defaults}
}

// ReadHeader parses a file's header without touching pixel data.
func (r *Reader) ReadHeader(path string) (*Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := dicom.NewParserFromBytes(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	ds, err := safelyParse(p, dicom.ParseOptions{DropPixelData: true})
	if ds == nil || err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return r.headerFromDataSet(ds, path), nil
}

// ReadSlice decodes header and pixels and applies the rescale calibration:
// value = raw*slope + intercept. Failures return nil with a logged reason so
// a batch load can skip bad slices without aborting the series.
func (r *Reader) ReadSlice(path string) *RawSlice {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read slice file", "path", path, "error", err)
		return nil
	}

	p, err := dicom.NewParserFromBytes(raw, nil)
	if err != nil {
		slog.Warn("failed to open slice", "path", path, "error", err)
		return nil
	}

	ds, err := safelyParse(p, dicom.ParseOptions{DropPixelData: false})
	if ds == nil || err != nil {
		slog.Warn("failed to parse slice", "path", path, "error", err)
		return nil
	}

	return r.sliceFromDataSet(ds, path)
}

// sliceFromDataSet builds the calibrated slice from an already-parsed data
// set. Split from ReadSlice so the decode semantics are exercisable without
// on-disk fixtures.
func (r *Reader) sliceFromDataSet(ds *element.DataSet, path string) *RawSlice {
	h := r.headerFromDataSet(ds, path)
	pixels := extractPixels(ds)
	if pixels == nil {
		slog.Warn("no decodable pixel data in slice", "path", path)
		return nil
	}
	if len(pixels) != h.Rows*h.Cols {
		slog.Warn("pixel buffer does not match header dimensions",
			"path", path, "pixels", len(pixels), "rows", h.Rows, "cols", h.Cols)
		return nil
	}

	slope := float32(h.RescaleSlope)
	intercept := float32(h.RescaleIntercept)
	for i := range pixels {
		pixels[i] = pixels[i]*slope + intercept
	}

	return &RawSlice{
		Pixels:           pixels,
		Rows:             h.Rows,
		Cols:             h.Cols,
		PixelSpacing:     h.PixelSpacing,
		SliceThickness:   h.SliceThickness,
		SliceLocation:    h.SliceLocation,
		InstanceNumber:   h.InstanceNumber,
		Position:         h.Position,
		Orientation:      h.Orientation,
		WindowCenter:     h.WindowCenter,
		WindowWidth:      h.WindowWidth,
		RescaleSlope:     h.RescaleSlope,
		RescaleIntercept: h.RescaleIntercept,
		Path:             path,
	}
}

// headerFromDataSet maps parsed elements onto the typed header, substituting
// the configured defaults for absent attributes.
func (r *Reader) headerFromDataSet(ds *element.DataSet, path string) *Header {
	h := &Header{
		PixelSpacing:     r.defaults.PixelSpacing,
		SliceThickness:   r.defaults.SliceThickness,
		Position:         r.defaults.Position,
		Orientation:      r.defaults.Orientation,
		RescaleSlope:     r.defaults.RescaleSlope,
		RescaleIntercept: r.defaults.RescaleIntercept,
		Path:             path,
	}

	var hasRows, hasCols bool

	for _, elem := range ds.Elements {
		switch {
		case elem.Tag == dicomtag.SOPClassUID:
			h.SOPClassUID = firstString(elem)
		case elem.Tag == dicomtag.SeriesInstanceUID:
			h.SeriesInstanceUID = firstString(elem)
		case elem.Tag == dicomtag.SeriesNumber:
			h.SeriesNumber = firstInt(elem)
		case elem.Tag == dicomtag.SeriesDescription:
			h.SeriesDescription = firstString(elem)
		case elem.Tag == dicomtag.Modality:
			h.Modality = firstString(elem)
		case elem.Tag == dicomtag.ImageType:
			h.ImageType = allStrings(elem)
		case elem.Tag == dicomtag.StudyInstanceUID:
			h.StudyInstanceUID = firstString(elem)
		case elem.Tag == dicomtag.StudyDate:
			h.StudyDate = firstString(elem)
		case elem.Tag == dicomtag.StudyDescription:
			h.StudyDescription = firstString(elem)
		case elem.Tag == dicomtag.FrameOfReferenceUID:
			h.FrameOfReferenceUID = firstString(elem)
		case elem.Tag == dicomtag.PatientID:
			h.PatientID = firstString(elem)
		case elem.Tag == dicomtag.PatientName:
			h.PatientName = firstString(elem)
		case elem.Tag == dicomtag.PatientBirthDate:
			h.PatientBirthDate = firstString(elem)
		case elem.Tag == dicomtag.PatientSex:
			h.PatientSex = firstString(elem)
		case elem.Tag == dicomtag.Rows:
			h.Rows = firstInt(elem)
			hasRows = true
		case elem.Tag == dicomtag.Columns:
			h.Cols = firstInt(elem)
			hasCols = true
		case elem.Tag == dicomtag.AcquisitionNumber:
			if v, ok := maybeFirstInt(elem); ok {
				h.AcquisitionNumber = v
				h.HasAcquisitionNumber = true
			}
		case elem.Tag == dicomtag.InstanceNumber:
			h.InstanceNumber = firstInt(elem)
		case elem.Tag == dicomtag.PixelSpacing:
			if vals := allFloats(elem); len(vals) >= 2 {
				h.PixelSpacing = [2]float64{vals[0], vals[1]}
			}
		case elem.Tag == dicomtag.SliceThickness:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.SliceThickness = vals[0]
			}
		case elem.Tag == dicomtag.SliceLocation:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.SliceLocation = vals[0]
			}
		case elem.Tag == dicomtag.ImagePositionPatient:
			if vals := allFloats(elem); len(vals) >= 3 {
				copy(h.Position[:], vals[:3])
			}
		case elem.Tag == dicomtag.ImageOrientationPatient:
			if vals := allFloats(elem); len(vals) >= 6 {
				copy(h.Orientation[:], vals[:6])
			}
		case elem.Tag == dicomtag.WindowCenter:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.WindowCenter = &vals[0]
			}
		case elem.Tag == dicomtag.WindowWidth:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.WindowWidth = &vals[0]
			}
		case elem.Tag == dicomtag.RescaleSlope:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.RescaleSlope = vals[0]
			}
		case elem.Tag == dicomtag.RescaleIntercept:
			if vals := allFloats(elem); len(vals) >= 1 {
				h.RescaleIntercept = vals[0]
			}
		}
	}

	h.HasDimensions = hasRows && hasCols
	return h
}

// extractPixels pulls the first frame's native pixel data as float32.
// Encapsulated (compressed) syntaxes are not decoded here.
func extractPixels(ds *element.DataSet) []float32 {
	for _, elem := range ds.Elements {
		if elem.Tag != dicomtag.PixelData {
			continue
		}
		if len(elem.Value) == 0 {
			return nil
		}
		info, ok := elem.Value[0].(element.PixelDataInfo)
		if !ok {
			return nil
		}
		if len(info.Frames) == 0 {
			return nil
		}
		if len(info.Frames) > 1 {
			slog.Warn("multi-frame slice, using first frame only", "frames", len(info.Frames))
		}

		frm := info.Frames[0]
		if frm.IsEncapsulated() {
			slog.Warn("encapsulated transfer syntax is not supported, skipping frame",
				"bytes", len(frm.EncapsulatedData.Data))
			return nil
		}

		out := make([]float32, len(frm.NativeData.Data))
		for i, sample := range frm.NativeData.Data {
			if len(sample) == 0 {
				return nil
			}
			out[i] = float32(sample[0])
		}
		return out
	}
	return nil
}

// Element value coercion. The underlying library surfaces numeric string VRs
// (DS, IS) as strings and binary VRs (US) as uint16.

func firstString(elem *element.Element) string {
	if len(elem.Value) == 0 {
		return ""
	}
	if s, ok := elem.Value[0].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func allStrings(elem *element.Element) []string {
	out := make([]string, 0, len(elem.Value))
	for _, v := range elem.Value {
		if s, ok := v.(string); ok {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func firstInt(elem *element.Element) int {
	v, _ := maybeFirstInt(elem)
	return v
}

func maybeFirstInt(elem *element.Element) (int, bool) {
	if len(elem.Value) == 0 {
		return 0, false
	}
	switch v := elem.Value[0].(type) {
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case int32:
		return int(v), true
	case int:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		// IS values occasionally arrive as decimal strings
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

func allFloats(elem *element.Element) []float64 {
	out := make([]float64, 0, len(elem.Value))
	for _, v := range elem.Value {
		switch t := v.(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				out = append(out, f)
			}
		case float64:
			out = append(out, t)
		case uint16:
			out = append(out, float64(t))
		}
	}
	return out
}
