package dicom

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
)

// Image converts the decoded pixel data into a display-ready grayscale
// raster. Window center/width are applied when present (first value of a
// multi-valued attribute), otherwise the full intensity range is normalized.
// MONOCHROME1 is inverted so zero renders white, per the standard.
func (d *Dataset) Image() (image.Image, error) {
	m := d.Meta

	if len(d.PixelData) == 0 {
		return nil, ErrNoPixelData
	}
	if m.Rows <= 0 || m.Columns <= 0 {
		return nil, fmt.Errorf("invalid raster dimensions %dx%d", m.Rows, m.Columns)
	}
	if m.SamplesPerPixel != 1 {
		return nil, fmt.Errorf("unsupported samples per pixel: %d", m.SamplesPerPixel)
	}

	n := m.Rows * m.Columns

	var pixels []float64
	switch m.BitsAllocated {
	case 8:
		if len(d.PixelData) < n {
			return nil, fmt.Errorf("pixel data too short: %d < %d", len(d.PixelData), n)
		}
		pixels = make([]float64, n)
		for i := range n {
			pixels[i] = float64(d.PixelData[i])
		}
	case 16:
		if len(d.PixelData) < 2*n {
			return nil, fmt.Errorf("pixel data too short: %d < %d", len(d.PixelData), 2*n)
		}
		pixels = make([]float64, n)
		for i := range n {
			pixels[i] = float64(uint16(d.PixelData[2*i]) | uint16(d.PixelData[2*i+1])<<8)
		}
	default:
		return nil, fmt.Errorf("unsupported bits allocated: %d", m.BitsAllocated)
	}

	// Rescale to modality units (Hounsfield for CT).
	if m.RescaleSlope != 1 || m.RescaleIntercept != 0 {
		for i := range pixels {
			pixels[i] = pixels[i]*m.RescaleSlope + m.RescaleIntercept
		}
	}

	center, haveCenter := parseWindowValue(m.WindowCenter)
	width, haveWidth := parseWindowValue(m.WindowWidth)

	var out []uint8
	if haveCenter && haveWidth && width > 0 {
		out = applyWindow(pixels, center, width)
	} else {
		out = normalize(pixels)
	}

	if m.Photometric == "MONOCHROME1" {
		for i := range out {
			out[i] = 255 - out[i]
		}
	}

	img := image.NewGray(image.Rect(0, 0, m.Columns, m.Rows))
	copy(img.Pix, out)
	return img, nil
}

// EncodeJPEG renders the dataset as a compressed artifact at the given
// quality.
func (d *Dataset) EncodeJPEG(quality int) ([]byte, error) {
	img, err := d.Image()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func parseWindowValue(s string) (float64, bool) {
	s = firstValue(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func applyWindow(pixels []float64, center, width float64) []uint8 {
	lower := center - width/2
	upper := center + width/2

	out := make([]uint8, len(pixels))
	for i, p := range pixels {
		switch {
		case p <= lower:
			out[i] = 0
		case p >= upper:
			out[i] = 255
		default:
			out[i] = uint8((p - lower) / (upper - lower) * 255)
		}
	}
	return out
}

func normalize(pixels []float64) []uint8 {
	if len(pixels) == 0 {
		return nil
	}

	lo, hi := pixels[0], pixels[0]
	for _, p := range pixels {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}

	out := make([]uint8, len(pixels))
	if hi == lo {
		return out
	}
	for i, p := range pixels {
		out[i] = uint8((p - lo) / (hi - lo) * 255)
	}
	return out
}
