package vcompress

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

const relayVertexShader = `uniform mat4 uSTMatrix;
attribute vec4 aPosition;
attribute vec4 aTextureCoord;
varying vec2 vTextureCoord;
void main() {
    gl_Position = aPosition;
    vTextureCoord = (uSTMatrix * aTextureCoord).xy;
}
`

const relayFragmentShader = `#extension GL_OES_EGL_image_external : require
precision mediump float;
varying vec2 vTextureCoord;
uniform samplerExternalOES sTexture;
void main() {
    gl_FragColor = texture2D(sTexture, vTextureCoord);
}
`

// FrameRelay copies decoded frames onto an encoder's input surface with a
// GPU draw, never touching pixels on the CPU.
//
// Wiring a decoder's output surface straight to an encoder's input surface
// stalls on some low-power chipsets: the encoder never drains it. An
// explicit render and swap per frame pushes every frame reliably.
type FrameRelay struct {
	gpu     GPU
	program uint32
	texture uint32
	source  ImageSource
	width   int
	height  int
	logger  hclog.Logger
}

// NewFrameRelay binds gpu to the encoder input surface target of size
// width x height, compiles the external-texture program and creates the
// image source the decoder of src renders into. On failure everything
// acquired so far is released.
func NewFrameRelay(gpu GPU, target Surface, width, height int, src *Format, logger hclog.Logger) (*FrameRelay, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &FrameRelay{gpu: gpu, width: width, height: height, logger: logger}

	if err := gpu.Bind(target); err != nil {
		r.Release()
		return nil, fmt.Errorf("bind gpu context: %w", err)
	}

	program, err := gpu.CompileProgram(relayVertexShader, relayFragmentShader)
	if err != nil {
		r.Release()
		return nil, fmt.Errorf("compile relay program: %w", err)
	}
	r.program = program

	texture, err := gpu.NewExternalTexture()
	if err != nil {
		r.Release()
		return nil, fmt.Errorf("create external texture: %w", err)
	}
	r.texture = texture

	source, err := gpu.NewImageSource(src.Width, src.Height, normalizeRotation(src.Rotation))
	if err != nil {
		r.Release()
		return nil, fmt.Errorf("create image source: %w", err)
	}
	r.source = source

	return r, nil
}

// Source returns the image source the decoder renders into.
func (r *FrameRelay) Source() ImageSource { return r.source }

// DrawFrame latches the newest decoded frame, draws it through its texture
// transform, stamps the output with presentationNanos and presents it to
// the encoder.
func (r *FrameRelay) DrawFrame(src ImageSource, presentationNanos int64) error {
	if err := src.Latch(r.texture); err != nil {
		return fmt.Errorf("latch frame: %w", err)
	}
	if err := r.gpu.DrawQuad(r.program, r.texture, src.TransformMatrix(), r.width, r.height); err != nil {
		return fmt.Errorf("draw frame: %w", err)
	}
	if err := r.gpu.SetPresentationTime(presentationNanos); err != nil {
		return fmt.Errorf("set presentation time: %w", err)
	}
	if err := r.gpu.SwapBuffers(); err != nil {
		return fmt.Errorf("swap buffers: %w", err)
	}
	return nil
}

// Release tears down the image source, texture, program, surface, context
// and display in that order. Each is released independently.
func (r *FrameRelay) Release() {
	var steps []releaseStep
	if r.source != nil {
		steps = append(steps, releaseStep{"image source", r.source.Release})
	}
	if r.texture != 0 {
		tex := r.texture
		steps = append(steps, releaseStep{"texture", func() error { return r.gpu.DeleteTexture(tex) }})
	}
	if r.program != 0 {
		program := r.program
		steps = append(steps, releaseStep{"program", func() error { return r.gpu.DeleteProgram(program) }})
	}
	// A partially failed Bind may still hold a context, so surface and
	// context are released even when Bind did not succeed.
	steps = append(steps,
		releaseStep{"surface", r.gpu.DestroySurface},
		releaseStep{"context", r.gpu.DestroyContext},
		releaseStep{"display", r.gpu.Terminate},
	)
	releaseAll(r.logger, steps...)

	r.source, r.texture, r.program = nil, 0, 0
}

// affine2 maps (s, t) to (a*s + b*t + c, d*s + e*t + f).
type affine2 struct{ a, b, c, d, e, f float32 }

var identityAffine = affine2{a: 1, e: 1}

// then returns the transform applying m first and n second.
func (m affine2) then(n affine2) affine2 {
	return affine2{
		a: n.a*m.a + n.b*m.d,
		b: n.a*m.b + n.b*m.e,
		c: n.a*m.c + n.b*m.f + n.c,
		d: n.d*m.a + n.e*m.d,
		e: n.d*m.b + n.e*m.e,
		f: n.d*m.c + n.e*m.f + n.f,
	}
}

// textureTransform returns the column-major texture matrix that samples a
// top-left-origin frame stored with a clockwise rotation so that it is drawn
// upright. flipY converts bottom-left viewport coordinates first.
func textureTransform(rotation int, flipY bool) [16]float32 {
	m := identityAffine
	if flipY {
		m = affine2{a: 1, e: -1, f: 1}
	}
	switch normalizeRotation(rotation) {
	case 90:
		m = m.then(affine2{b: 1, d: -1, f: 1})
	case 180:
		m = m.then(affine2{a: -1, c: 1, e: -1, f: 1})
	case 270:
		m = m.then(affine2{b: -1, c: 1, d: 1})
	}
	return [16]float32{
		m.a, m.d, 0, 0,
		m.b, m.e, 0, 0,
		0, 0, 1, 0,
		m.c, m.f, 0, 1,
	}
}
