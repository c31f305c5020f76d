// Package onnxrt initializes the ONNX Runtime environment shared by every
// ONNX-backed detection engine in this module.
//
// The onnxruntime shared library is loaded exactly once per process. Its
// location is resolved from, in order: the path passed to Init, the
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable, and finally the
// loader's default search path.
package onnxrt

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initMu   sync.Mutex
	initDone bool
)

// Init loads the ONNX Runtime shared library and initializes the runtime
// environment. Subsequent calls are no-ops; the library path of the first
// successful call wins.
func Init(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initDone {
		return nil
	}

	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return fmt.Errorf("onnxrt: shared library %q: %w", libPath, err)
		}
		ort.SetSharedLibraryPath(libPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnxrt: initialize environment: %w", err)
	}
	initDone = true
	return nil
}

// Initialized reports whether the runtime environment has been set up.
func Initialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return initDone
}
