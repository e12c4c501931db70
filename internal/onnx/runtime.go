// Package onnx locates and initializes the ONNX Runtime shared library and
// builds session options for the models docsort runs.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/yalue/onnxruntime_go"
)

const (
	osLinux    = "linux"
	osDarwin   = "darwin"
	osWindows  = "windows"
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

// EnvLibraryPath overrides library discovery.
const EnvLibraryPath = "DOCSORT_ONNXRUNTIME_LIB"

// GPUConfig holds configuration for CUDA acceleration.
type GPUConfig struct {
	UseGPU      bool   `mapstructure:"use_gpu" yaml:"use_gpu" json:"use_gpu"`
	DeviceID    int    `mapstructure:"device_id" yaml:"device_id" json:"device_id"`
	GPUMemLimit uint64 `mapstructure:"mem_limit" yaml:"mem_limit" json:"mem_limit"` // 0 = unlimited
}

// Validate checks the GPU settings.
func (g GPUConfig) Validate() error {
	if g.UseGPU && g.DeviceID < 0 {
		return fmt.Errorf("device ID must be non-negative, got %d", g.DeviceID)
	}
	return nil
}

var (
	initOnce sync.Once
	initErr  error
)

// Initialize sets the library path and initializes the runtime environment
// once per process.
func Initialize(libPath string, useGPU bool) error {
	initOnce.Do(func() {
		if libPath == "" {
			libPath = os.Getenv(EnvLibraryPath)
		}
		if libPath == "" {
			libPath, initErr = findLibrary(useGPU)
			if initErr != nil {
				return
			}
		}
		onnxruntime_go.SetSharedLibraryPath(libPath)
		if !onnxruntime_go.IsInitialized() {
			if err := onnxruntime_go.InitializeEnvironment(); err != nil {
				initErr = fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
				return
			}
		}
		slog.Debug("ONNX Runtime initialized", "library", libPath)
	})
	return initErr
}

// SessionOptions creates options with the thread count and GPU settings
// applied. The caller destroys them.
func SessionOptions(threads int, gpu GPUConfig) (*onnxruntime_go.SessionOptions, error) {
	opts, err := onnxruntime_go.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			_ = opts.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}
	if err := configureGPU(opts, gpu); err != nil {
		slog.Warn("GPU unavailable, using CPU", "error", err)
	}
	return opts, nil
}

func configureGPU(opts *onnxruntime_go.SessionOptions, gpu GPUConfig) error {
	if !gpu.UseGPU {
		return nil
	}
	cudaOpts, err := onnxruntime_go.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer func() { _ = cudaOpts.Destroy() }()

	settings := map[string]string{"device_id": strconv.Itoa(gpu.DeviceID)}
	if gpu.GPUMemLimit > 0 {
		settings["gpu_mem_limit"] = strconv.FormatUint(gpu.GPUMemLimit, 10)
	}
	if err := cudaOpts.Update(settings); err != nil {
		return fmt.Errorf("failed to update CUDA provider options: %w", err)
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}

// candidatePaths lists library locations in search order.
func candidatePaths(useGPU bool, libName, root string) []string {
	var paths []string
	if useGPU {
		paths = append(paths, "/opt/onnxruntime/gpu/lib/"+libName)
	}
	paths = append(paths,
		"/usr/local/lib/"+libName,
		"/usr/lib/"+libName,
		"/opt/onnxruntime/cpu/lib/"+libName,
	)
	if root != "" {
		if useGPU {
			paths = append(paths, filepath.Join(root, "onnxruntime", "gpu", "lib", libName))
		}
		paths = append(paths, filepath.Join(root, "onnxruntime", "lib", libName))
	}
	return paths
}

func findLibrary(useGPU bool) (string, error) {
	libName, err := libraryName(runtime.GOOS)
	if err != nil {
		return "", err
	}
	root, _ := findProjectRoot()
	for _, p := range candidatePaths(useGPU, libName, root) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("ONNX Runtime library %s not found; set %s", libName, EnvLibraryPath)
}

func libraryName(goos string) (string, error) {
	switch goos {
	case osLinux:
		return libLinux, nil
	case osDarwin:
		return libDarwin, nil
	case osWindows:
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", goos)
	}
}

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find project root")
		}
		dir = parent
	}
}
