// Package dicom decodes the subset of the DICOM file format the pipeline
// needs: format sniffing, metadata extraction for the persisted fields, and
// pixel data access for artifact rendering. Explicit and implicit VR little
// endian transfer syntaxes are supported; anything else is reported as a
// parse error and the caller downgrades the file to generic-image handling.
package dicom

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	preambleSize = 128
	magic        = "DICM"

	transferSyntaxImplicitLE = "1.2.840.10008.1.2"
	transferSyntaxExplicitLE = "1.2.840.10008.1.2.1"
)

// Tags the pipeline extracts. Key is group<<16 | element.
const (
	tagTransferSyntaxUID uint32 = 0x0002_0010
	tagModality          uint32 = 0x0008_0060
	tagManufacturer      uint32 = 0x0008_0070
	tagStudyDate         uint32 = 0x0008_0020
	tagSOPInstanceUID    uint32 = 0x0008_0018
	tagManufacturerModel uint32 = 0x0008_1090
	tagSliceThickness    uint32 = 0x0018_0050
	tagInstanceNumber    uint32 = 0x0020_0013
	tagSliceLocation     uint32 = 0x0020_1041
	tagSamplesPerPixel   uint32 = 0x0028_0002
	tagPhotometric       uint32 = 0x0028_0004
	tagRows              uint32 = 0x0028_0010
	tagColumns           uint32 = 0x0028_0011
	tagPixelSpacing      uint32 = 0x0028_0030
	tagBitsAllocated     uint32 = 0x0028_0100
	tagBitsStored        uint32 = 0x0028_0101
	tagWindowCenter      uint32 = 0x0028_1050
	tagWindowWidth       uint32 = 0x0028_1051
	tagRescaleIntercept  uint32 = 0x0028_1052
	tagRescaleSlope      uint32 = 0x0028_1053
	tagPixelData         uint32 = 0x7FE0_0010
)

var (
	ErrNotDicom          = errors.New("not a DICOM file")
	ErrUnsupportedSyntax = errors.New("unsupported transfer syntax")
	ErrNoPixelData       = errors.New("dataset has no pixel data")
)

// Meta is the structured metadata persisted with each recognized image.
type Meta struct {
	SOPInstanceUID string `json:"sop_instance_uid"`

	// Spatial
	SliceThickness *float64 `json:"slice_thickness,omitempty"`
	PixelSpacing   string   `json:"pixel_spacing,omitempty"`
	SliceLocation  *float64 `json:"slice_location,omitempty"`

	// Raster
	Rows            int `json:"rows"`
	Columns         int `json:"columns"`
	BitsAllocated   int `json:"bits_allocated"`
	BitsStored      int `json:"bits_stored"`
	SamplesPerPixel int `json:"samples_per_pixel"`

	// Display
	WindowCenter     string  `json:"window_center,omitempty"`
	WindowWidth      string  `json:"window_width,omitempty"`
	RescaleIntercept float64 `json:"rescale_intercept"`
	RescaleSlope     float64 `json:"rescale_slope"`

	// Equipment
	Manufacturer      string `json:"manufacturer,omitempty"`
	ManufacturerModel string `json:"manufacturer_model,omitempty"`

	Photometric    string `json:"photometric_interpretation,omitempty"`
	Modality       string `json:"modality,omitempty"`
	StudyDate      string `json:"study_date,omitempty"`
	InstanceNumber int    `json:"instance_number,omitempty"`
}

// Dataset is a decoded DICOM file: extracted metadata plus raw pixel data.
type Dataset struct {
	Meta      Meta
	PixelData []byte
}

// MetadataJSON renders the extracted tag snapshot for JSONB storage.
func (d *Dataset) MetadataJSON() ([]byte, error) {
	b, err := json.Marshal(d.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// Sniff reports whether content carries the DICOM magic. Cheap check before
// a full parse; a false result routes the file to generic handling.
func Sniff(content []byte) bool {
	if len(content) < preambleSize+len(magic) {
		return false
	}
	return string(content[preambleSize:preambleSize+len(magic)]) == magic
}

// Parse decodes the file meta group and dataset.
func Parse(content []byte) (*Dataset, error) {
	if !Sniff(content) {
		return nil, ErrNotDicom
	}

	r := &reader{buf: content, off: preambleSize + len(magic)}

	elements, syntax, err := parseMetaGroup(r)
	if err != nil {
		return nil, err
	}

	explicit := true
	switch syntax {
	case transferSyntaxExplicitLE, "":
		explicit = true
	case transferSyntaxImplicitLE:
		explicit = false
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSyntax, syntax)
	}

	if err := parseDataSet(r, elements, explicit); err != nil {
		return nil, err
	}

	ds := &Dataset{PixelData: elements[tagPixelData]}
	fillMeta(&ds.Meta, elements)

	if ds.Meta.SOPInstanceUID == "" {
		return nil, fmt.Errorf("missing SOP Instance UID")
	}

	return ds, nil
}

func fillMeta(m *Meta, el map[uint32][]byte) {
	m.SOPInstanceUID = str(el, tagSOPInstanceUID)
	m.SliceThickness = dsFloat(el, tagSliceThickness)
	m.PixelSpacing = str(el, tagPixelSpacing)
	m.SliceLocation = dsFloat(el, tagSliceLocation)
	m.Rows = int(us(el, tagRows))
	m.Columns = int(us(el, tagColumns))
	m.BitsAllocated = int(us(el, tagBitsAllocated))
	m.BitsStored = int(us(el, tagBitsStored))
	m.SamplesPerPixel = int(us(el, tagSamplesPerPixel))
	if m.SamplesPerPixel == 0 {
		m.SamplesPerPixel = 1
	}
	m.WindowCenter = str(el, tagWindowCenter)
	m.WindowWidth = str(el, tagWindowWidth)
	m.RescaleIntercept = dsFloatOr(el, tagRescaleIntercept, 0)
	m.RescaleSlope = dsFloatOr(el, tagRescaleSlope, 1)
	m.Manufacturer = str(el, tagManufacturer)
	m.ManufacturerModel = str(el, tagManufacturerModel)
	m.Photometric = str(el, tagPhotometric)
	m.Modality = str(el, tagModality)
	m.StudyDate = str(el, tagStudyDate)
	if v := str(el, tagInstanceNumber); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.InstanceNumber = n
		}
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("truncated element at offset %d", r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readElement decodes one data element and returns its tag and value.
func (r *reader) readElement(explicit bool) (uint32, []byte, error) {
	group, err := r.uint16()
	if err != nil {
		return 0, nil, err
	}
	elem, err := r.uint16()
	if err != nil {
		return 0, nil, err
	}
	tag := uint32(group)<<16 | uint32(elem)

	var length uint32
	if explicit {
		vrb, err := r.take(2)
		if err != nil {
			return 0, nil, err
		}
		vr := string(vrb)
		switch vr {
		case "OB", "OW", "OF", "SQ", "UT", "UN":
			if _, err := r.take(2); err != nil { // reserved
				return 0, nil, err
			}
			length, err = r.uint32()
			if err != nil {
				return 0, nil, err
			}
		default:
			l16, err := r.uint16()
			if err != nil {
				return 0, nil, err
			}
			length = uint32(l16)
		}
	} else {
		length, err = r.uint32()
		if err != nil {
			return 0, nil, err
		}
	}

	if length == 0xFFFFFFFF {
		// Undefined length (encapsulated pixel data, nested sequences).
		return 0, nil, fmt.Errorf("%w: undefined element length", ErrUnsupportedSyntax)
	}

	value, err := r.take(int(length))
	if err != nil {
		return 0, nil, err
	}
	return tag, value, nil
}

// parseMetaGroup reads the group 0002 header, which is always explicit VR
// little endian regardless of the dataset transfer syntax.
func parseMetaGroup(r *reader) (map[uint32][]byte, string, error) {
	elements := make(map[uint32][]byte)

	for r.remaining() >= 8 {
		if binary.LittleEndian.Uint16(r.buf[r.off:]) != 0x0002 {
			break
		}
		tag, value, err := r.readElement(true)
		if err != nil {
			return nil, "", fmt.Errorf("file meta group: %w", err)
		}
		elements[tag] = value
	}

	return elements, str(elements, tagTransferSyntaxUID), nil
}

func parseDataSet(r *reader, elements map[uint32][]byte, explicit bool) error {
	for r.remaining() >= 8 {
		tag, value, err := r.readElement(explicit)
		if err != nil {
			return fmt.Errorf("data set: %w", err)
		}
		elements[tag] = value
		if tag == tagPixelData {
			break
		}
	}
	return nil
}

// str returns a trimmed string value; DICOM pads strings to even length with
// spaces or NULs.
func str(el map[uint32][]byte, tag uint32) string {
	v, ok := el[tag]
	if !ok {
		return ""
	}
	return strings.Trim(string(v), " \x00")
}

func us(el map[uint32][]byte, tag uint32) uint16 {
	v, ok := el[tag]
	if !ok || len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func dsFloat(el map[uint32][]byte, tag uint32) *float64 {
	s := firstValue(str(el, tag))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func dsFloatOr(el map[uint32][]byte, tag uint32, def float64) float64 {
	if f := dsFloat(el, tag); f != nil {
		return *f
	}
	return def
}

// firstValue takes the first component of a backslash-separated multi-value.
func firstValue(s string) string {
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
