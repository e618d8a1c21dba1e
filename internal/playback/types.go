// Package playback keeps a generated video playing while it is still being
// produced.
//
// A Controller owns one rendering Surface. For streaming manifests it binds a
// streaming Engine to the surface, classifies the faults the engine reports
// and runs bounded recovery actions: restarting the load pipeline, in-place
// media recovery and forward "unstick" seeks. Progressive files, and
// manifests when no engine is available, are handed to the surface directly.
package playback

import (
	"time"

	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/httpclient"
	"github.com/jmylchreest/livegen/internal/urlutil"
)

// SourceKind is the delivery format of a media URL.
type SourceKind int

const (
	SourceStreaming SourceKind = iota
	SourceProgressive
)

func (k SourceKind) String() string {
	if k == SourceProgressive {
		return "progressive"
	}
	return "streaming"
}

// ClassifySource returns SourceStreaming for manifest-style URLs and
// SourceProgressive for everything else.
func ClassifySource(url string) SourceKind {
	if urlutil.IsStreamingManifest(url) {
		return SourceStreaming
	}
	return SourceProgressive
}

// ErrorType is the category of an engine fault.
type ErrorType int

const (
	ErrorTypeOther ErrorType = iota
	ErrorTypeNetwork
	ErrorTypeMedia
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeMedia:
		return "media"
	default:
		return "other"
	}
}

// ErrorDetails narrows a fault within its category.
type ErrorDetails int

const (
	DetailsUnknown ErrorDetails = iota
	DetailsManifestLoad
	DetailsFragmentLoad
	DetailsDecode
	DetailsBufferStalled
	DetailsBufferLow
)

func (d ErrorDetails) String() string {
	switch d {
	case DetailsManifestLoad:
		return "manifest_load"
	case DetailsFragmentLoad:
		return "fragment_load"
	case DetailsDecode:
		return "decode"
	case DetailsBufferStalled:
		return "buffer_stalled"
	case DetailsBufferLow:
		return "buffer_low"
	default:
		return "unknown"
	}
}

// Fault is an error event reported by an Engine.
type Fault struct {
	Fatal   bool
	Type    ErrorType
	Details ErrorDetails
	Err     error
}

func (f Fault) String() string {
	s := f.Type.String() + "/" + f.Details.String()
	if f.Fatal {
		s += " (fatal)"
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

// EngineConfig is the fixed configuration every streaming engine is created with.
type EngineConfig struct {
	EnableWorker       bool
	LowLatencyMode     bool
	BackBufferLength   time.Duration
	MaxBufferLength    time.Duration
	MaxMaxBufferLength time.Duration
	MaxBufferHole      time.Duration
	RequestTimeout     time.Duration
	FragmentTimeout    time.Duration
	ManifestTimeout    time.Duration
	FragmentRetries    int
	ManifestRetries    int

	// StallTimeout is how long the engine waits for media before reporting
	// a stalled buffer.
	StallTimeout time.Duration
	// LowBufferThreshold is the buffered-ahead watermark below which the
	// engine reports a low buffer.
	LowBufferThreshold time.Duration
}

// DefaultEngineConfig returns the engine configuration used for every load.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EnableWorker:       true,
		LowLatencyMode:     true,
		BackBufferLength:   90 * time.Second,
		MaxBufferLength:    120 * time.Second,
		MaxMaxBufferLength: 600 * time.Second,
		MaxBufferHole:      500 * time.Millisecond,
		RequestTimeout:     60 * time.Second,
		FragmentTimeout:    20 * time.Second,
		ManifestTimeout:    10 * time.Second,
		FragmentRetries:    4,
		ManifestRetries:    2,
		StallTimeout:       8 * time.Second,
		LowBufferThreshold: 500 * time.Millisecond,
	}
}

// EngineConfigFrom maps the playback settings onto an EngineConfig.
func EngineConfigFrom(cfg config.PlaybackConfig) EngineConfig {
	return EngineConfig{
		EnableWorker:       cfg.EnableWorker,
		LowLatencyMode:     cfg.LowLatencyMode,
		BackBufferLength:   cfg.BackBufferLength,
		MaxBufferLength:    cfg.MaxBufferLength,
		MaxMaxBufferLength: cfg.MaxMaxBufferLength,
		MaxBufferHole:      cfg.MaxBufferHole,
		RequestTimeout:     cfg.RequestTimeout,
		FragmentTimeout:    cfg.FragmentTimeout,
		ManifestTimeout:    cfg.ManifestTimeout,
		FragmentRetries:    cfg.FragmentRetries,
		ManifestRetries:    cfg.ManifestRetries,
		StallTimeout:       cfg.StallTimeout,
		LowBufferThreshold: cfg.LowBufferThreshold,
	}
}

// ForwardBufferLimit is how far ahead of the playhead the engine buffers
// before it stops consuming segments. MaxMaxBufferLength caps
// MaxBufferLength when both are set. Zero means unbounded.
func (c EngineConfig) ForwardBufferLimit() time.Duration {
	limit := c.MaxBufferLength
	if c.MaxMaxBufferLength > 0 && (limit <= 0 || limit > c.MaxMaxBufferLength) {
		limit = c.MaxMaxBufferLength
	}
	return limit
}

// HTTPConfig applies the engine's per-class timeouts and retry counts to
// base. A class whose timeout is unset keeps base's policy.
func (c EngineConfig) HTTPConfig(base httpclient.Config) httpclient.Config {
	if c.RequestTimeout > 0 {
		base.Request.Timeout = c.RequestTimeout
	}
	if c.ManifestTimeout > 0 {
		base.Manifest = httpclient.Policy{Timeout: c.ManifestTimeout, Retries: max(c.ManifestRetries, 0)}
	}
	if c.FragmentTimeout > 0 {
		base.Fragment = httpclient.Policy{Timeout: c.FragmentTimeout, Retries: max(c.FragmentRetries, 0)}
	}
	return base
}

// Capabilities reports which playback paths are available.
type Capabilities struct {
	// NativeSupported is true when the surface can play a source by itself.
	NativeSupported bool
	// EngineSupported is true when a streaming engine can be bound to the surface.
	EngineSupported bool
}

// DetectCapabilities reports the available playback paths. The headless
// surface always plays natively; the engine can be switched off with
// playback.engine=native.
func DetectCapabilities(engineMode string) Capabilities {
	return Capabilities{
		NativeSupported: true,
		EngineSupported: engineMode != config.EngineNative,
	}
}
