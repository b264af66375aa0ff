//go:build android

// Shared utilities for the purego-based platform bindings.

package vcompress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// systemLibPaths lists the candidate locations of a platform library.
// VCOMPRESS_LIB_PATH, when set, is searched first.
func systemLibPaths(libName string) []string {
	var paths []string
	if envPath := os.Getenv("VCOMPRESS_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}
	return append(paths,
		libName, // linker namespace search
		filepath.Join("/system/lib64", libName),
		filepath.Join("/system/lib", libName),
	)
}

// openSystemLib dlopens the first loadable candidate of libName.
func openSystemLib(libName string) (uintptr, error) {
	var lastErr error
	for _, path := range systemLibPaths(libName) {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load %s: %w", libName, lastErr)
	}
	return 0, errors.New(libName + " not found in any standard location")
}

// cBool converts a C boolean result.
func cBool(v uint32) bool { return v != 0 }
