package vcompress

import "math"

// Hardware encoders commonly reject geometries that are not 16-aligned.
const dimensionAlignment = 16

// PlanDimensions computes the encoder output size for an input of inW x inH
// with the given clockwise rotation. Frames reach the encoder already
// rotated, so 90 and 270 degree inputs are planned in display space. The
// result never upscales, keeps the aspect ratio when it has to shrink, and
// rounds each side to the nearest multiple of 16 (minimum 16).
func PlanDimensions(inW, inH, rotation, maxW, maxH int) (int, int) {
	w, h := inW, inH
	if r := normalizeRotation(rotation); r == 90 || r == 270 {
		w, h = h, w
	}

	if w > maxW || h > maxH {
		scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
		w, h = scaleDimension(w, scale), scaleDimension(h, scale)
	}

	return alignDimension(w), alignDimension(h)
}

// scaleDimension truncates v*scale. Alignment rounds to the nearest multiple
// of 16 afterwards, and floor((floor(x)+8)/16) equals floor((x+8)/16), so the
// result is the multiple of 16 nearest the exact scaled size. The epsilon
// absorbs float error on sizes that scale to an exact integer.
func scaleDimension(v int, scale float64) int {
	return int(float64(v)*scale + 1e-9)
}

func alignDimension(v int) int {
	a := (v + dimensionAlignment/2) / dimensionAlignment * dimensionAlignment
	if a < dimensionAlignment {
		return dimensionAlignment
	}
	return a
}

func normalizeRotation(degrees int) int {
	r := degrees % 360
	if r < 0 {
		r += 360
	}
	return r
}
