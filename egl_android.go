//go:build android

// EGL and GLES2 bindings for the frame relay via purego.

package vcompress

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	eglOnce    sync.Once
	eglHandle  uintptr
	glesHandle uintptr
	eglInitErr error
)

// libEGL / libGLESv2 function pointers
var (
	eglGetDisplay          func(display uintptr) uintptr
	eglInitialize          func(dpy, major, minor uintptr) uint32
	eglChooseConfig        func(dpy, attribs, configs uintptr, size int32, num uintptr) uint32
	eglCreateContext       func(dpy, config, share, attribs uintptr) uintptr
	eglCreateWindowSurface func(dpy, config, window, attribs uintptr) uintptr
	eglMakeCurrent         func(dpy, draw, read, ctx uintptr) uint32
	eglSwapBuffers         func(dpy, surface uintptr) uint32
	eglDestroySurface      func(dpy, surface uintptr) uint32
	eglDestroyContext      func(dpy, ctx uintptr) uint32
	eglTerminate           func(dpy uintptr) uint32
	eglReleaseThread       func() uint32
	eglGetError            func() int32
	eglGetProcAddress      func(name string) uintptr

	// Extensions, resolved through eglGetProcAddress.
	eglPresentationTimeANDROID      func(dpy, surface uintptr, nanos int64) uint32
	eglGetNativeClientBufferANDROID func(buffer uintptr) uintptr
	eglCreateImageKHR               func(dpy, ctx uintptr, target uint32, buffer, attribs uintptr) uintptr
	eglDestroyImageKHR              func(dpy, image uintptr) uint32
	glEGLImageTargetTexture2DOES    func(target uint32, image uintptr)

	glCreateShader            func(kind uint32) uint32
	glShaderSource            func(shader uint32, count int32, src, length uintptr)
	glCompileShader           func(shader uint32)
	glGetShaderiv             func(shader, pname uint32, out uintptr)
	glGetShaderInfoLog        func(shader uint32, size int32, length, log uintptr)
	glDeleteShader            func(shader uint32)
	glCreateProgram           func() uint32
	glAttachShader            func(program, shader uint32)
	glLinkProgram             func(program uint32)
	glGetProgramiv            func(program, pname uint32, out uintptr)
	glDeleteProgram           func(program uint32)
	glUseProgram              func(program uint32)
	glGetAttribLocation       func(program uint32, name string) int32
	glGetUniformLocation      func(program uint32, name string) int32
	glGenTextures             func(n int32, out uintptr)
	glDeleteTextures          func(n int32, tex uintptr)
	glBindTexture             func(target, tex uint32)
	glActiveTexture           func(unit uint32)
	glTexParameteri           func(target, pname uint32, param int32)
	glViewport                func(x, y, w, h int32)
	glClearColor              func(r, g, b, a float32)
	glClear                   func(mask uint32)
	glUniformMatrix4fv        func(loc, count int32, transpose uint8, value uintptr)
	glVertexAttribPointer     func(index uint32, size int32, kind uint32, normalized uint8, stride int32, ptr uintptr)
	glEnableVertexAttribArray func(index uint32)
	glDrawArrays              func(mode uint32, first, count int32)
	glGetError                func() uint32
)

// Constants from egl.h, eglext.h, gl2.h and gl2ext.h.
const (
	eglNone                  = 0x3038
	eglRedSize               = 0x3024
	eglGreenSize             = 0x3023
	eglBlueSize              = 0x3022
	eglAlphaSize             = 0x3021
	eglRenderableType        = 0x3040
	eglOpenGLES2Bit          = 0x0004
	eglRecordableANDROID     = 0x3142
	eglContextClientVersion  = 0x3098
	eglNativeBufferANDROID   = 0x3140
	eglImagePreservedKHR     = 0x30D2
	eglTrue                  = 1
	eglSuccess               = 0x3000

	glVertexShader       = 0x8B31
	glFragmentShader     = 0x8B30
	glCompileStatus      = 0x8B81
	glLinkStatus         = 0x8B82
	glInfoLogLength      = 0x8B84
	glTextureExternalOES = 0x8D65
	glTextureMinFilter   = 0x2801
	glTextureMagFilter   = 0x2800
	glTextureWrapS       = 0x2802
	glTextureWrapT       = 0x2803
	glLinear             = 0x2601
	glClampToEdge        = 0x812F
	glColorBufferBit     = 0x4000
	glFloat              = 0x1406
	glTriangleStrip      = 0x0005
	glTexture0           = 0x84C0
	glNoError            = 0
)

// relayQuad holds interleaved position (x, y, z) and texture (u, v)
// coordinates of a full-viewport triangle strip. Package-level so its
// address is stable while GL reads it as a client-side array.
var relayQuad = [20]float32{
	-1, -1, 0, 0, 0,
	1, -1, 0, 1, 0,
	-1, 1, 0, 0, 1,
	1, 1, 0, 1, 1,
}

const relayQuadStride = 5 * 4

func loadEGL() error {
	eglOnce.Do(func() {
		eglInitErr = loadEGLLibs()
	})
	return eglInitErr
}

func loadEGLLibs() (err error) {
	if eglHandle, err = openSystemLib("libEGL.so"); err != nil {
		return err
	}
	if glesHandle, err = openSystemLib("libGLESv2.so"); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("egl: %v", r)
		}
	}()

	purego.RegisterLibFunc(&eglGetDisplay, eglHandle, "eglGetDisplay")
	purego.RegisterLibFunc(&eglInitialize, eglHandle, "eglInitialize")
	purego.RegisterLibFunc(&eglChooseConfig, eglHandle, "eglChooseConfig")
	purego.RegisterLibFunc(&eglCreateContext, eglHandle, "eglCreateContext")
	purego.RegisterLibFunc(&eglCreateWindowSurface, eglHandle, "eglCreateWindowSurface")
	purego.RegisterLibFunc(&eglMakeCurrent, eglHandle, "eglMakeCurrent")
	purego.RegisterLibFunc(&eglSwapBuffers, eglHandle, "eglSwapBuffers")
	purego.RegisterLibFunc(&eglDestroySurface, eglHandle, "eglDestroySurface")
	purego.RegisterLibFunc(&eglDestroyContext, eglHandle, "eglDestroyContext")
	purego.RegisterLibFunc(&eglTerminate, eglHandle, "eglTerminate")
	purego.RegisterLibFunc(&eglReleaseThread, eglHandle, "eglReleaseThread")
	purego.RegisterLibFunc(&eglGetError, eglHandle, "eglGetError")
	purego.RegisterLibFunc(&eglGetProcAddress, eglHandle, "eglGetProcAddress")

	for name, fn := range map[string]any{
		"eglPresentationTimeANDROID":      &eglPresentationTimeANDROID,
		"eglGetNativeClientBufferANDROID": &eglGetNativeClientBufferANDROID,
		"eglCreateImageKHR":               &eglCreateImageKHR,
		"eglDestroyImageKHR":              &eglDestroyImageKHR,
		"glEGLImageTargetTexture2DOES":    &glEGLImageTargetTexture2DOES,
	} {
		addr := eglGetProcAddress(name)
		if addr == 0 {
			return fmt.Errorf("egl extension %s unavailable", name)
		}
		purego.RegisterFunc(fn, addr)
	}

	purego.RegisterLibFunc(&glCreateShader, glesHandle, "glCreateShader")
	purego.RegisterLibFunc(&glShaderSource, glesHandle, "glShaderSource")
	purego.RegisterLibFunc(&glCompileShader, glesHandle, "glCompileShader")
	purego.RegisterLibFunc(&glGetShaderiv, glesHandle, "glGetShaderiv")
	purego.RegisterLibFunc(&glGetShaderInfoLog, glesHandle, "glGetShaderInfoLog")
	purego.RegisterLibFunc(&glDeleteShader, glesHandle, "glDeleteShader")
	purego.RegisterLibFunc(&glCreateProgram, glesHandle, "glCreateProgram")
	purego.RegisterLibFunc(&glAttachShader, glesHandle, "glAttachShader")
	purego.RegisterLibFunc(&glLinkProgram, glesHandle, "glLinkProgram")
	purego.RegisterLibFunc(&glGetProgramiv, glesHandle, "glGetProgramiv")
	purego.RegisterLibFunc(&glDeleteProgram, glesHandle, "glDeleteProgram")
	purego.RegisterLibFunc(&glUseProgram, glesHandle, "glUseProgram")
	purego.RegisterLibFunc(&glGetAttribLocation, glesHandle, "glGetAttribLocation")
	purego.RegisterLibFunc(&glGetUniformLocation, glesHandle, "glGetUniformLocation")
	purego.RegisterLibFunc(&glGenTextures, glesHandle, "glGenTextures")
	purego.RegisterLibFunc(&glDeleteTextures, glesHandle, "glDeleteTextures")
	purego.RegisterLibFunc(&glBindTexture, glesHandle, "glBindTexture")
	purego.RegisterLibFunc(&glActiveTexture, glesHandle, "glActiveTexture")
	purego.RegisterLibFunc(&glTexParameteri, glesHandle, "glTexParameteri")
	purego.RegisterLibFunc(&glViewport, glesHandle, "glViewport")
	purego.RegisterLibFunc(&glClearColor, glesHandle, "glClearColor")
	purego.RegisterLibFunc(&glClear, glesHandle, "glClear")
	purego.RegisterLibFunc(&glUniformMatrix4fv, glesHandle, "glUniformMatrix4fv")
	purego.RegisterLibFunc(&glVertexAttribPointer, glesHandle, "glVertexAttribPointer")
	purego.RegisterLibFunc(&glEnableVertexAttribArray, glesHandle, "glEnableVertexAttribArray")
	purego.RegisterLibFunc(&glDrawArrays, glesHandle, "glDrawArrays")
	purego.RegisterLibFunc(&glGetError, glesHandle, "glGetError")
	return nil
}

func eglError(op string) error {
	return fmt.Errorf("%s: egl error 0x%x", op, eglGetError())
}

func glCheck(op string) error {
	if code := glGetError(); code != glNoError {
		return fmt.Errorf("%s: gl error 0x%x", op, code)
	}
	return nil
}

// eglGPU is an EGL display, GLES2 context and window surface on one encoder
// input surface. Bind locks the calling goroutine to its OS thread until
// Terminate.
type eglGPU struct {
	display uintptr
	config  uintptr
	context uintptr
	surface uintptr
	locked  bool
}

func newEGLGPU() (*eglGPU, error) {
	if err := loadEGL(); err != nil {
		return nil, err
	}
	return &eglGPU{}, nil
}

func (g *eglGPU) Bind(target Surface) error {
	runtime.LockOSThread()
	g.locked = true

	g.display = eglGetDisplay(0)
	if g.display == 0 {
		return eglError("get display")
	}
	major, minor := new(int32), new(int32)
	if !cBool(eglInitialize(g.display, uintptr(unsafe.Pointer(major)), uintptr(unsafe.Pointer(minor)))) {
		return eglError("initialize")
	}

	attribs := &[...]int32{
		eglRedSize, 8,
		eglGreenSize, 8,
		eglBlueSize, 8,
		eglAlphaSize, 8,
		eglRenderableType, eglOpenGLES2Bit,
		eglRecordableANDROID, 1,
		eglNone,
	}
	config, num := new(uintptr), new(int32)
	if !cBool(eglChooseConfig(g.display, uintptr(unsafe.Pointer(attribs)), uintptr(unsafe.Pointer(config)), 1, uintptr(unsafe.Pointer(num)))) || *num == 0 {
		return eglError("choose config")
	}
	g.config = *config

	ctxAttribs := &[...]int32{eglContextClientVersion, 2, eglNone}
	g.context = eglCreateContext(g.display, g.config, 0, uintptr(unsafe.Pointer(ctxAttribs)))
	if g.context == 0 {
		return eglError("create context")
	}

	surfAttribs := &[...]int32{eglNone}
	g.surface = eglCreateWindowSurface(g.display, g.config, target.Handle(), uintptr(unsafe.Pointer(surfAttribs)))
	if g.surface == 0 {
		return eglError("create window surface")
	}
	if !cBool(eglMakeCurrent(g.display, g.surface, g.surface, g.context)) {
		return eglError("make current")
	}
	return nil
}

func compileShader(kind uint32, src string) (uint32, error) {
	shader := glCreateShader(kind)
	if shader == 0 {
		return 0, glCheck("create shader")
	}
	csrc := append([]byte(src), 0)
	ptr := uintptr(unsafe.Pointer(&csrc[0]))
	glShaderSource(shader, 1, uintptr(unsafe.Pointer(&ptr)), 0)
	glCompileShader(shader)
	status := new(int32)
	glGetShaderiv(shader, glCompileStatus, uintptr(unsafe.Pointer(status)))
	runtime.KeepAlive(csrc)
	if *status == 0 {
		logLen := new(int32)
		glGetShaderiv(shader, glInfoLogLength, uintptr(unsafe.Pointer(logLen)))
		msg := make([]byte, max(*logLen, 1))
		glGetShaderInfoLog(shader, int32(len(msg)), 0, uintptr(unsafe.Pointer(&msg[0])))
		glDeleteShader(shader)
		return 0, fmt.Errorf("compile shader: %s", goStringFromPtr(uintptr(unsafe.Pointer(&msg[0]))))
	}
	return shader, nil
}

func (g *eglGPU) CompileProgram(vertexSrc, fragmentSrc string) (uint32, error) {
	vs, err := compileShader(glVertexShader, vertexSrc)
	if err != nil {
		return 0, err
	}
	defer glDeleteShader(vs)
	fs, err := compileShader(glFragmentShader, fragmentSrc)
	if err != nil {
		return 0, err
	}
	defer glDeleteShader(fs)

	program := glCreateProgram()
	if program == 0 {
		return 0, glCheck("create program")
	}
	glAttachShader(program, vs)
	glAttachShader(program, fs)
	glLinkProgram(program)
	status := new(int32)
	glGetProgramiv(program, glLinkStatus, uintptr(unsafe.Pointer(status)))
	if *status == 0 {
		glDeleteProgram(program)
		return 0, errors.New("link program failed")
	}
	return program, nil
}

func (g *eglGPU) NewExternalTexture() (uint32, error) {
	tex := new(uint32)
	glGenTextures(1, uintptr(unsafe.Pointer(tex)))
	glBindTexture(glTextureExternalOES, *tex)
	glTexParameteri(glTextureExternalOES, glTextureMinFilter, glLinear)
	glTexParameteri(glTextureExternalOES, glTextureMagFilter, glLinear)
	glTexParameteri(glTextureExternalOES, glTextureWrapS, glClampToEdge)
	glTexParameteri(glTextureExternalOES, glTextureWrapT, glClampToEdge)
	if err := glCheck("create external texture"); err != nil {
		return 0, err
	}
	return *tex, nil
}

func (g *eglGPU) NewImageSource(width, height, rotation int) (ImageSource, error) {
	return newNDKImageSource(g, width, height, rotation)
}

// bindHardwareBuffer wraps an AHardwareBuffer in an EGLImage and attaches it
// to the external texture tex.
func (g *eglGPU) bindHardwareBuffer(tex uint32, buffer uintptr) (uintptr, error) {
	client := eglGetNativeClientBufferANDROID(buffer)
	if client == 0 {
		return 0, eglError("native client buffer")
	}
	attribs := &[...]int32{eglImagePreservedKHR, eglTrue, eglNone}
	image := eglCreateImageKHR(g.display, 0, eglNativeBufferANDROID, client, uintptr(unsafe.Pointer(attribs)))
	if image == 0 {
		return 0, eglError("create image")
	}
	glBindTexture(glTextureExternalOES, tex)
	glEGLImageTargetTexture2DOES(glTextureExternalOES, image)
	if err := glCheck("bind image"); err != nil {
		eglDestroyImageKHR(g.display, image)
		return 0, err
	}
	return image, nil
}

func (g *eglGPU) destroyImage(image uintptr) {
	eglDestroyImageKHR(g.display, image)
}

func (g *eglGPU) DrawQuad(program, tex uint32, texMatrix [16]float32, width, height int) error {
	glViewport(0, 0, int32(width), int32(height))
	glClearColor(0, 0, 0, 1)
	glClear(glColorBufferBit)
	glUseProgram(program)

	glActiveTexture(glTexture0)
	glBindTexture(glTextureExternalOES, tex)

	pos := glGetAttribLocation(program, "aPosition")
	coord := glGetAttribLocation(program, "aTextureCoord")
	matrix := glGetUniformLocation(program, "uSTMatrix")
	if pos < 0 || coord < 0 || matrix < 0 {
		return errors.New("relay program is missing an attribute")
	}
	base := uintptr(unsafe.Pointer(&relayQuad[0]))
	glVertexAttribPointer(uint32(pos), 3, glFloat, 0, relayQuadStride, base)
	glEnableVertexAttribArray(uint32(pos))
	glVertexAttribPointer(uint32(coord), 2, glFloat, 0, relayQuadStride, base+3*4)
	glEnableVertexAttribArray(uint32(coord))
	glUniformMatrix4fv(matrix, 1, 0, uintptr(unsafe.Pointer(&texMatrix[0])))

	glDrawArrays(glTriangleStrip, 0, 4)
	return glCheck("draw")
}

func (g *eglGPU) SetPresentationTime(nanos int64) error {
	if !cBool(eglPresentationTimeANDROID(g.display, g.surface, nanos)) {
		return eglError("presentation time")
	}
	return nil
}

func (g *eglGPU) SwapBuffers() error {
	if !cBool(eglSwapBuffers(g.display, g.surface)) {
		return eglError("swap buffers")
	}
	return nil
}

func (g *eglGPU) DeleteTexture(tex uint32) error {
	glDeleteTextures(1, uintptr(unsafe.Pointer(&tex)))
	return glCheck("delete texture")
}

func (g *eglGPU) DeleteProgram(program uint32) error {
	glDeleteProgram(program)
	return glCheck("delete program")
}

func (g *eglGPU) DestroySurface() error {
	if g.display == 0 || g.surface == 0 {
		return nil
	}
	eglMakeCurrent(g.display, 0, 0, 0)
	ok := cBool(eglDestroySurface(g.display, g.surface))
	g.surface = 0
	if !ok {
		return eglError("destroy surface")
	}
	return nil
}

func (g *eglGPU) DestroyContext() error {
	if g.display == 0 || g.context == 0 {
		return nil
	}
	ok := cBool(eglDestroyContext(g.display, g.context))
	g.context = 0
	if !ok {
		return eglError("destroy context")
	}
	return nil
}

func (g *eglGPU) Terminate() error {
	defer func() {
		if g.locked {
			g.locked = false
			runtime.UnlockOSThread()
		}
	}()
	if g.display == 0 {
		return nil
	}
	eglReleaseThread()
	ok := cBool(eglTerminate(g.display))
	g.display = 0
	if !ok {
		return eglError("terminate")
	}
	return nil
}
