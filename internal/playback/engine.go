package playback

import (
	"log/slog"
	"net/http"

	"github.com/jmylchreest/livegen/internal/clock"
)

// Engine is a streaming engine bound to one surface for one load.
type Engine interface {
	// Load starts fetching the manifest at url.
	Load(url string) error
	// StartLoad restarts the load pipeline from the manifest.
	StartLoad()
	// RecoverMediaError re-initializes the decode pipeline in place.
	RecoverMediaError()
	// Destroy releases every resource held by the engine.
	Destroy() error
}

// EngineOptions are passed to an EngineFactory.
type EngineOptions struct {
	Config EngineConfig
	Sink   MediaSink
	// OnFault receives engine faults. It may be called from any goroutine
	// but never concurrently with itself.
	OnFault    func(Fault)
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// EngineFactory creates an engine.
type EngineFactory func(EngineOptions) Engine
