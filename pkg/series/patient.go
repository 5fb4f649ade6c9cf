// Package series resolves classified DICOM files into ordered series and
// maintains the serializable patient state model.
package series

import (
	"encoding/json"
	"fmt"
)

// TimePoint is one temporal partition of a 4D series: the files sharing a
// single acquisition number, ordered by instance number.
type TimePoint struct {
	AcquisitionNumber int      `json:"acquisition_number"`
	FilePaths         []string `json:"file_paths"`
	SliceCount        int      `json:"slice_count"`
}

// SeriesInfo describes one resolved acquisition. It is created by the
// resolver and mutated by downstream visualization/measurement actions.
type SeriesInfo struct {
	SeriesInstanceUID string   `json:"series_instance_uid"`
	SeriesNumber      int      `json:"series_number"`
	SeriesDescription string   `json:"series_description"`
	Modality          string   `json:"modality"`
	ImageType         []string `json:"image_type"`

	Rows       int `json:"rows"`
	Cols       int `json:"cols"`
	SliceCount int `json:"slice_count"`

	PixelSpacing   [2]float64 `json:"pixel_spacing"` // (row, col) mm
	SliceThickness float64    `json:"slice_thickness"`

	ImagePositionPatient    [3]float64 `json:"image_position_patient"`
	ImageOrientationPatient [6]float64 `json:"image_orientation_patient"`
	FrameOfReferenceUID     string     `json:"frame_of_reference_uid"`

	WindowCenter *float64 `json:"window_center"`
	WindowWidth  *float64 `json:"window_width"`

	// File references, relative to the patient root path.
	FilePaths      []string  `json:"file_paths"`
	SliceLocations []float64 `json:"slice_locations"`

	Is4D       bool        `json:"is_4d"`
	TimePoints []TimePoint `json:"time_points,omitempty"`

	// Visualization lifecycle flags.
	IsLoaded   bool `json:"is_loaded"`
	IsVisible  bool `json:"is_visible"`
	IsSelected bool `json:"is_selected"`
	ShowVolume bool `json:"show_volume"`
	ShowBone   bool `json:"show_bone"`

	// TissueVolumes maps tissue name to measured volume in mL.
	TissueVolumes map[string]float64 `json:"tissue_volumes"`
}

// Patient is the root of the serializable state model: identity, the resolved
// series list, and the ownership maps for externally rendered objects.
type Patient struct {
	PatientID        string `json:"patient_id"`
	PatientName      string `json:"patient_name"`
	PatientBirthDate string `json:"patient_birth_date"`
	PatientSex       string `json:"patient_sex"`

	StudyInstanceUID string `json:"study_instance_uid"`
	StudyDate        string `json:"study_date"`
	StudyDescription string `json:"study_description"`

	RootPath string `json:"root_path"`

	Series []*SeriesInfo `json:"series"`

	// VolumeObjects and MeshObjects map series UID to the identifier of an
	// externally owned render object. They are the explicit ownership lists
	// walked during teardown; nothing is ever matched by name prefix.
	VolumeObjects map[string]string `json:"volume_objects"`
	MeshObjects   map[string]string `json:"mesh_objects"`

	// Classification counts from the load that produced this model.
	PrimaryCount   int `json:"primary_count"`
	SecondaryCount int `json:"secondary_count"`
	NonImageCount  int `json:"non_image_count"`
	InvalidCount   int `json:"invalid_count"`
}

// NewPatient returns an empty model with initialized maps.
func NewPatient() *Patient {
	return &Patient{
		Series:        []*SeriesInfo{},
		VolumeObjects: map[string]string{},
		MeshObjects:   map[string]string{},
	}
}

// ToJSON serializes the model. The output is stable: identical models always
// produce identical bytes.
func (p *Patient) ToJSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// FromJSON deserializes a model and checks its structural invariants.
func FromJSON(data []byte) (*Patient, error) {
	p := NewPatient()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing patient record: %w", err)
	}
	if p.Series == nil {
		p.Series = []*SeriesInfo{}
	}
	if p.VolumeObjects == nil {
		p.VolumeObjects = map[string]string{}
	}
	if p.MeshObjects == nil {
		p.MeshObjects = map[string]string{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate enforces the model invariants: series UIDs are unique and the
// render-object maps only reference known series.
func (p *Patient) Validate() error {
	seen := make(map[string]struct{}, len(p.Series))
	for _, s := range p.Series {
		if _, dup := seen[s.SeriesInstanceUID]; dup {
			return fmt.Errorf("duplicate series UID %q in patient record", s.SeriesInstanceUID)
		}
		seen[s.SeriesInstanceUID] = struct{}{}
	}
	for uid := range p.VolumeObjects {
		if _, ok := seen[uid]; !ok {
			return fmt.Errorf("volume object references unknown series %q", uid)
		}
	}
	for uid := range p.MeshObjects {
		if _, ok := seen[uid]; !ok {
			return fmt.Errorf("mesh object references unknown series %q", uid)
		}
	}
	return nil
}

// SeriesByUID returns the series with the given UID, or nil.
func (p *Patient) SeriesByUID(uid string) *SeriesInfo {
	for _, s := range p.Series {
		if s.SeriesInstanceUID == uid {
			return s
		}
	}
	return nil
}

// SeriesByFrameOfReference groups series sharing a spatial reference.
func (p *Patient) SeriesByFrameOfReference() map[string][]*SeriesInfo {
	groups := make(map[string][]*SeriesInfo)
	for _, s := range p.Series {
		frame := s.FrameOfReferenceUID
		if frame == "" {
			frame = "unknown"
		}
		groups[frame] = append(groups[frame], s)
	}
	return groups
}

// LoadedSeries returns the series whose grid artifacts exist.
func (p *Patient) LoadedSeries() []*SeriesInfo {
	var out []*SeriesInfo
	for _, s := range p.Series {
		if s.IsLoaded {
			out = append(out, s)
		}
	}
	return out
}

// VisibleSeries returns the currently visible series.
func (p *Patient) VisibleSeries() []*SeriesInfo {
	var out []*SeriesInfo
	for _, s := range p.Series {
		if s.IsVisible {
			out = append(out, s)
		}
	}
	return out
}

// RetireSeries clears one series' lifecycle state and removes its entries
// from the ownership maps, returning the render-object identifiers the caller
// must tear down. Used before a reload so teardown is deterministic.
func (p *Patient) RetireSeries(uid string) (volumeObj, meshObj string) {
	volumeObj = p.VolumeObjects[uid]
	meshObj = p.MeshObjects[uid]
	delete(p.VolumeObjects, uid)
	delete(p.MeshObjects, uid)

	if s := p.SeriesByUID(uid); s != nil {
		s.IsLoaded = false
		s.IsVisible = false
		s.TissueVolumes = nil
	}
	return volumeObj, meshObj
}
