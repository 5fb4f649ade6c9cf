package dicomio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/dicomtag"
	"github.com/suyashkumar/dicom/element"
	"github.com/suyashkumar/dicom/frame"

	"github.com/jpfielding/dicomvol.go/pkg/config"
)

func strElem(tag dicomtag.Tag, vals ...string) *element.Element {
	v := make([]interface{}, len(vals))
	for i, s := range vals {
		v[i] = s
	}
	return &element.Element{Tag: tag, Value: v}
}

func ushortElem(tag dicomtag.Tag, val uint16) *element.Element {
	return &element.Element{Tag: tag, Value: []interface{}{val}}
}

func nativeFrame(rows, cols int, samples []int) frame.Frame {
	data := make([][]int, len(samples))
	for i, s := range samples {
		data[i] = []int{s}
	}
	return frame.Frame{
		NativeData: frame.NativeFrame{
			Rows: rows,
			Cols: cols,
			Data: data,
		},
	}
}

func sliceDataSet(rows, cols uint16, frames []frame.Frame, extra ...*element.Element) *element.DataSet {
	elems := []*element.Element{
		ushortElem(dicomtag.Rows, rows),
		ushortElem(dicomtag.Columns, cols),
	}
	elems = append(elems, extra...)
	elems = append(elems, &element.Element{
		Tag:   dicomtag.PixelData,
		Value: []interface{}{element.PixelDataInfo{Frames: frames}},
	})
	return &element.DataSet{Elements: elems}
}

func TestSliceCalibration(t *testing.T) {
	r := NewReader(config.Default())
	ds := sliceDataSet(2, 2,
		[]frame.Frame{nativeFrame(2, 2, []int{0, 100, 1000, 2048})},
		strElem(dicomtag.RescaleSlope, "2"),
		strElem(dicomtag.RescaleIntercept, "-1024"),
	)

	s := r.sliceFromDataSet(ds, "ct0.dcm")
	require.NotNil(t, s)
	assert.Equal(t, []float32{-1024, -824, 976, 3072}, s.Pixels)
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, 2, s.Cols)
	assert.Equal(t, 2.0, s.RescaleSlope)
	assert.Equal(t, -1024.0, s.RescaleIntercept)
	assert.Equal(t, "ct0.dcm", s.Path)
}

func TestSliceDefaultCalibration(t *testing.T) {
	r := NewReader(config.Default())
	ds := sliceDataSet(1, 3, []frame.Frame{nativeFrame(1, 3, []int{-5, 0, 40})})

	s := r.sliceFromDataSet(ds, "ct1.dcm")
	require.NotNil(t, s)
	// identity slope/intercept and unit spacing come from the defaults table
	assert.Equal(t, []float32{-5, 0, 40}, s.Pixels)
	assert.Equal(t, [2]float64{1, 1}, s.PixelSpacing)
	assert.Equal(t, 1.0, s.SliceThickness)
}

func TestSliceSpatialAttributes(t *testing.T) {
	r := NewReader(config.Default())
	ds := sliceDataSet(2, 2,
		[]frame.Frame{nativeFrame(2, 2, []int{1, 2, 3, 4})},
		strElem(dicomtag.PixelSpacing, "0.7", "0.6"),
		strElem(dicomtag.SliceThickness, "2.5"),
		strElem(dicomtag.ImagePositionPatient, "-100.5", "-98", "42.25"),
		strElem(dicomtag.InstanceNumber, "17"),
	)

	s := r.sliceFromDataSet(ds, "ct2.dcm")
	require.NotNil(t, s)
	assert.Equal(t, [2]float64{0.7, 0.6}, s.PixelSpacing)
	assert.Equal(t, 2.5, s.SliceThickness)
	assert.Equal(t, [3]float64{-100.5, -98, 42.25}, s.Position)
	assert.Equal(t, 17, s.InstanceNumber)
}

func TestSliceDimensionMismatch(t *testing.T) {
	r := NewReader(config.Default())
	// header claims 2x2 but the frame carries 3 samples
	ds := sliceDataSet(2, 2, []frame.Frame{nativeFrame(1, 3, []int{1, 2, 3})})

	assert.Nil(t, r.sliceFromDataSet(ds, "bad.dcm"))
}

func TestSliceEncapsulatedSkipped(t *testing.T) {
	r := NewReader(config.Default())
	ds := sliceDataSet(2, 2, []frame.Frame{{
		Encapsulated:     true,
		EncapsulatedData: frame.EncapsulatedFrame{Data: []byte{0xFF, 0x4F, 0xFF, 0x51}},
	}})

	assert.Nil(t, r.sliceFromDataSet(ds, "j2k.dcm"))
}

func TestSliceUsesFirstFrame(t *testing.T) {
	r := NewReader(config.Default())
	ds := sliceDataSet(1, 2, []frame.Frame{
		nativeFrame(1, 2, []int{10, 20}),
		nativeFrame(1, 2, []int{99, 99}),
	})

	s := r.sliceFromDataSet(ds, "multi.dcm")
	require.NotNil(t, s)
	assert.Equal(t, []float32{10, 20}, s.Pixels)
}

func TestSliceMissingPixelData(t *testing.T) {
	r := NewReader(config.Default())
	ds := &element.DataSet{Elements: []*element.Element{
		ushortElem(dicomtag.Rows, 2),
		ushortElem(dicomtag.Columns, 2),
	}}

	assert.Nil(t, r.sliceFromDataSet(ds, "headeronly.dcm"))
}
