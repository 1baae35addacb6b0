// Package pprof exposes runtime profiles of a running dev server and can
// record CPU and heap profiles to files.
package pprof

import (
	"errors"
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Prefix is where the profile handlers are mounted.
const Prefix = "/debug/pprof/"

// Register mounts the net/http/pprof handlers on router.
func Register(router *httprouter.Router) {
	router.HandlerFunc(http.MethodGet, Prefix, netpprof.Index)
	router.HandlerFunc(http.MethodGet, Prefix+"cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, Prefix+"profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, Prefix+"symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, Prefix+"trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, Prefix+name, netpprof.Handler(name))
	}
}

// Config names the profile files to write. Empty paths are skipped.
type Config struct {
	CPUProfile  string
	HeapProfile string
}

// Recorder writes file based profiles between Start and Stop.
type Recorder struct {
	config  Config
	cpuFile *os.File

	mu      sync.Mutex
	stopped bool
}

// NewRecorder creates a recorder for config.
func NewRecorder(config Config) *Recorder {
	return &Recorder{config: config}
}

// Start begins CPU profiling if configured.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.CPUProfile == "" {
		return nil
	}
	f, err := create(r.config.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	r.cpuFile = f
	return nil
}

// Stop ends CPU profiling and writes the heap profile. Only the first call
// has an effect.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}
	r.stopped = true

	var errs []error
	if r.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := r.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		r.cpuFile = nil
	}

	if r.config.HeapProfile != "" {
		f, err := create(r.config.HeapProfile)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create heap profile file: %w", err))
		} else {
			if err := pprof.WriteHeapProfile(f); err != nil {
				errs = append(errs, fmt.Errorf("failed to write heap profile: %w", err))
			}
			f.Close()
		}
	}
	return errors.Join(errs...)
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
