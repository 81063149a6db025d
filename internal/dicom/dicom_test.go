package dicom

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testElement struct {
	tag uint32
	vr  string
	val []byte
}

func strVal(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}

func uidVal(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return b
}

func usVal(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func encodeExplicit(e testElement) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(e.tag>>16))   //nolint:errcheck
	binary.Write(&buf, binary.LittleEndian, uint16(e.tag&0xFFFF)) //nolint:errcheck
	buf.WriteString(e.vr)
	switch e.vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		binary.Write(&buf, binary.LittleEndian, uint32(len(e.val))) //nolint:errcheck
	default:
		binary.Write(&buf, binary.LittleEndian, uint16(len(e.val))) //nolint:errcheck
	}
	buf.Write(e.val)
	return buf.Bytes()
}

func encodeImplicit(e testElement) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(e.tag>>16))    //nolint:errcheck
	binary.Write(&buf, binary.LittleEndian, uint16(e.tag&0xFFFF)) //nolint:errcheck
	binary.Write(&buf, binary.LittleEndian, uint32(len(e.val)))   //nolint:errcheck
	buf.Write(e.val)
	return buf.Bytes()
}

// buildFile assembles a synthetic DICOM file: preamble, magic, file meta
// group with the given transfer syntax, then the dataset elements.
func buildFile(syntax string, explicit bool, els []testElement) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, preambleSize))
	buf.WriteString(magic)
	buf.Write(encodeExplicit(testElement{tag: tagTransferSyntaxUID, vr: "UI", val: uidVal(syntax)}))
	for _, e := range els {
		if explicit {
			buf.Write(encodeExplicit(e))
		} else {
			buf.Write(encodeImplicit(e))
		}
	}
	return buf.Bytes()
}

func ctElements() []testElement {
	return []testElement{
		{tag: tagSOPInstanceUID, vr: "UI", val: uidVal("1.2.3.4.5")},
		{tag: tagModality, vr: "CS", val: strVal("CT")},
		{tag: tagManufacturer, vr: "LO", val: strVal("SIEMENS")},
		{tag: tagManufacturerModel, vr: "LO", val: strVal("Sensation 64")},
		{tag: tagSliceThickness, vr: "DS", val: strVal("1.25")},
		{tag: tagSliceLocation, vr: "DS", val: strVal("-12.5")},
		{tag: tagPixelSpacing, vr: "DS", val: strVal(`0.5\0.5`)},
		{tag: tagRows, vr: "US", val: usVal(2)},
		{tag: tagColumns, vr: "US", val: usVal(2)},
		{tag: tagBitsAllocated, vr: "US", val: usVal(8)},
		{tag: tagBitsStored, vr: "US", val: usVal(8)},
		{tag: tagPhotometric, vr: "CS", val: strVal("MONOCHROME2")},
		{tag: tagWindowCenter, vr: "DS", val: strVal("100")},
		{tag: tagWindowWidth, vr: "DS", val: strVal("50")},
		{tag: tagRescaleIntercept, vr: "DS", val: strVal("0")},
		{tag: tagRescaleSlope, vr: "DS", val: strVal("1")},
		{tag: tagPixelData, vr: "OW", val: []byte{0, 85, 170, 255}},
	}
}

func TestSniff(t *testing.T) {
	assert.False(t, Sniff(nil))
	assert.False(t, Sniff([]byte("JFIF")))
	assert.False(t, Sniff(make([]byte, 200)))
	assert.True(t, Sniff(buildFile(transferSyntaxExplicitLE, true, ctElements())))
}

func TestParseExplicitLittleEndian(t *testing.T) {
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, ctElements()))
	require.NoError(t, err)

	m := ds.Meta
	assert.Equal(t, "1.2.3.4.5", m.SOPInstanceUID)
	assert.Equal(t, "CT", m.Modality)
	assert.Equal(t, "SIEMENS", m.Manufacturer)
	assert.Equal(t, "Sensation 64", m.ManufacturerModel)
	require.NotNil(t, m.SliceThickness)
	assert.InDelta(t, 1.25, *m.SliceThickness, 1e-9)
	require.NotNil(t, m.SliceLocation)
	assert.InDelta(t, -12.5, *m.SliceLocation, 1e-9)
	assert.Equal(t, `0.5\0.5`, m.PixelSpacing)
	assert.Equal(t, 2, m.Rows)
	assert.Equal(t, 2, m.Columns)
	assert.Equal(t, 8, m.BitsAllocated)
	assert.Equal(t, "100", m.WindowCenter)
	assert.Equal(t, float64(1), m.RescaleSlope)
	assert.Equal(t, []byte{0, 85, 170, 255}, ds.PixelData)
}

func TestParseImplicitLittleEndian(t *testing.T) {
	ds, err := Parse(buildFile(transferSyntaxImplicitLE, false, ctElements()))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4.5", ds.Meta.SOPInstanceUID)
	assert.Equal(t, 2, ds.Meta.Rows)
}

func TestParseRejectsNonDicom(t *testing.T) {
	_, err := Parse([]byte("definitely not a scan"))
	assert.ErrorIs(t, err, ErrNotDicom)
}

func TestParseRejectsUnsupportedSyntax(t *testing.T) {
	// JPEG Baseline encapsulated syntax is out of scope.
	_, err := Parse(buildFile("1.2.840.10008.1.2.4.50", true, ctElements()))
	assert.ErrorIs(t, err, ErrUnsupportedSyntax)
}

func TestParseRequiresSOPInstanceUID(t *testing.T) {
	els := []testElement{
		{tag: tagRows, vr: "US", val: usVal(2)},
		{tag: tagColumns, vr: "US", val: usVal(2)},
	}
	_, err := Parse(buildFile(transferSyntaxExplicitLE, true, els))
	assert.Error(t, err)
}

func TestParseTruncatedFile(t *testing.T) {
	full := buildFile(transferSyntaxExplicitLE, true, ctElements())
	_, err := Parse(full[:len(full)-2])
	assert.Error(t, err)
}

func TestImageWindowing(t *testing.T) {
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, ctElements()))
	require.NoError(t, err)

	img, err := ds.Image()
	require.NoError(t, err)

	b := img.Bounds()
	assert.Equal(t, 2, b.Dx())
	assert.Equal(t, 2, b.Dy())

	// center=100 width=50: 0 clips low, 255 clips high.
	gray := func(x, y int) uint8 {
		r, _, _, _ := img.At(x, y).RGBA()
		return uint8(r >> 8)
	}
	assert.Equal(t, uint8(0), gray(0, 0))
	assert.Equal(t, uint8(255), gray(1, 1))
}

func TestImageMonochrome1Inverts(t *testing.T) {
	els := ctElements()
	for i := range els {
		if els[i].tag == tagPhotometric {
			els[i].val = strVal("MONOCHROME1")
		}
	}
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, els))
	require.NoError(t, err)

	img, err := ds.Image()
	require.NoError(t, err)

	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint8(255), uint8(r>>8))
}

func TestImageSixteenBit(t *testing.T) {
	els := []testElement{
		{tag: tagSOPInstanceUID, vr: "UI", val: uidVal("1.2.3")},
		{tag: tagRows, vr: "US", val: usVal(1)},
		{tag: tagColumns, vr: "US", val: usVal(2)},
		{tag: tagBitsAllocated, vr: "US", val: usVal(16)},
		{tag: tagBitsStored, vr: "US", val: usVal(12)},
		{tag: tagPixelData, vr: "OW", val: []byte{0x00, 0x00, 0xFF, 0x0F}},
	}
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, els))
	require.NoError(t, err)

	img, err := ds.Image()
	require.NoError(t, err)

	// No window: min/max normalization spreads the two samples to 0 and 255.
	r0, _, _, _ := img.At(0, 0).RGBA()
	r1, _, _, _ := img.At(1, 0).RGBA()
	assert.Equal(t, uint8(0), uint8(r0>>8))
	assert.Equal(t, uint8(255), uint8(r1>>8))
}

func TestImageErrors(t *testing.T) {
	ds := &Dataset{Meta: Meta{Rows: 2, Columns: 2, BitsAllocated: 8, SamplesPerPixel: 1}}
	_, err := ds.Image()
	assert.ErrorIs(t, err, ErrNoPixelData)

	ds = &Dataset{
		Meta:      Meta{Rows: 4, Columns: 4, BitsAllocated: 8, SamplesPerPixel: 1},
		PixelData: []byte{1, 2},
	}
	_, err = ds.Image()
	assert.Error(t, err)
}

func TestEncodeJPEG(t *testing.T) {
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, ctElements()))
	require.NoError(t, err)

	artifact, err := ds.EncodeJPEG(90)
	require.NoError(t, err)
	require.Greater(t, len(artifact), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, artifact[:2])
}

func TestMetadataJSON(t *testing.T) {
	ds, err := Parse(buildFile(transferSyntaxExplicitLE, true, ctElements()))
	require.NoError(t, err)

	snapshot, err := ds.MetadataJSON()
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), `"sop_instance_uid":"1.2.3.4.5"`)
}
