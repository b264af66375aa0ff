package vcompress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanDimensions(t *testing.T) {
	tests := []struct {
		name               string
		inW, inH, rotation int
		maxW, maxH         int
		wantW, wantH       int
	}{
		{"4k downscale exact fit", 3840, 2160, 0, 1280, 720, 1280, 720},
		{"rotated portrait fits", 600, 800, 90, 1280, 720, 800, 608},
		{"rotated 270 fits", 600, 800, 270, 1280, 720, 800, 608},
		{"180 keeps axes", 800, 600, 180, 1280, 720, 800, 608},
		{"no upscale", 320, 240, 0, 1280, 720, 320, 240},
		{"portrait limited by height", 1080, 1920, 0, 1280, 720, 400, 720},
		{"rotated landscape becomes portrait", 1920, 1080, 90, 1280, 720, 400, 720},
		{"1080 rounds up", 1920, 1080, 0, 1920, 1080, 1920, 1088},
		{"tiny input floors at 16", 4, 4, 0, 1280, 720, 16, 16},
		{"negative rotation normalised", 600, 800, -90, 1280, 720, 800, 608},
		{"scaled 759.74 aligns to 752", 1300, 1232, 0, 1280, 720, 752, 720},
		{"scaled 599.6 aligns to 592", 1300, 1561, 0, 1280, 720, 592, 720},
		{"scaled 583.9 aligns to 576", 1300, 1603, 0, 1280, 720, 576, 720},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := PlanDimensions(tt.inW, tt.inH, tt.rotation, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w, "width")
			assert.Equal(t, tt.wantH, h, "height")
		})
	}
}

func TestPlanDimensionsAlignment(t *testing.T) {
	sizes := []int{1, 15, 16, 17, 100, 360, 480, 599, 720, 1079, 1080, 1920, 2160, 4096}
	for _, w := range sizes {
		for _, h := range sizes {
			for _, rot := range []int{0, 90, 180, 270} {
				gotW, gotH := PlanDimensions(w, h, rot, 1280, 720)
				name := fmt.Sprintf("%dx%d@%d", w, h, rot)
				assert.Zero(t, gotW%16, name)
				assert.Zero(t, gotH%16, name)
				assert.GreaterOrEqual(t, gotW, 16, name)
				assert.GreaterOrEqual(t, gotH, 16, name)

				dw, dh := w, h
				if rot == 90 || rot == 270 {
					dw, dh = h, w
				}
				if dw <= 1280 && dh <= 720 {
					assert.Equal(t, alignDimension(dw), gotW, name)
					assert.Equal(t, alignDimension(dh), gotH, name)
				}
			}
		}
	}
}

func TestPlanDimensionsRotationSwapsConstraints(t *testing.T) {
	w0, h0 := PlanDimensions(3000, 1000, 0, 1280, 720)
	w90, h90 := PlanDimensions(3000, 1000, 90, 1280, 720)

	// 3000x1000 is width-limited; in display space 1000x3000 is height-limited.
	assert.Equal(t, 1280, w0)
	assert.Equal(t, 432, h0)
	assert.Equal(t, 240, w90)
	assert.Equal(t, 720, h90)
}

// nearestAligned returns the multiple of 16 nearest v*num/den, computed
// without floating point.
func nearestAligned(v, num, den int) int {
	return max(16, (v*num+8*den)/(16*den)*16)
}

func TestPlanDimensionsMatchesExactScale(t *testing.T) {
	const maxW, maxH = 1280, 720
	for inW := 1200; inW <= 2000; inW += 7 {
		for inH := 700; inH <= 2400; inH += 11 {
			num, den := 1, 1
			switch {
			case inW <= maxW && inH <= maxH:
			case maxH*inW < maxW*inH:
				num, den = maxH, inH
			default:
				num, den = maxW, inW
			}
			w, h := PlanDimensions(inW, inH, 0, maxW, maxH)
			name := fmt.Sprintf("%dx%d", inW, inH)
			assert.Equal(t, nearestAligned(inW, num, den), w, name)
			assert.Equal(t, nearestAligned(inH, num, den), h, name)
		}
	}
}

func TestAlignDimension(t *testing.T) {
	for in, want := range map[int]int{0: 16, 7: 16, 8: 16, 23: 16, 24: 32, 600: 608, 720: 720, 1080: 1088} {
		assert.Equal(t, want, alignDimension(in), "align(%d)", in)
	}
}
