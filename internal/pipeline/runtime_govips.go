//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var runtimeState struct {
	mu      sync.Mutex
	running bool
}

// Startup boots libvips once per process. Rasters are decoded straight into
// Go memory so the operation cache is kept small.
func Startup() error {
	runtimeState.mu.Lock()
	defer runtimeState.mu.Unlock()
	if runtimeState.running {
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: runtime.GOMAXPROCS(0),
		MaxCacheFiles:    0,
		MaxCacheMem:      64 << 20,
		MaxCacheSize:     32,
	})
	runtimeState.running = true
	return nil
}

func Shutdown() {
	runtimeState.mu.Lock()
	defer runtimeState.mu.Unlock()
	if !runtimeState.running {
		return
	}
	vips.Shutdown()
	runtimeState.running = false
}

func newCodec() govipsCodec {
	return govipsCodec{}
}
