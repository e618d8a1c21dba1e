package httpclient

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/jmylchreest/livegen/internal/urlutil"
)

// Class selects the timeout and retry policy of a request.
type Class int

const (
	// ClassAuto infers the class from the request URL.
	ClassAuto Class = iota
	ClassRequest
	ClassManifest
	ClassFragment
)

func (c Class) String() string {
	switch c {
	case ClassManifest:
		return "manifest"
	case ClassFragment:
		return "fragment"
	case ClassRequest:
		return "request"
	default:
		return "auto"
	}
}

type classKey struct{}

// WithClass pins the request class for requests made with ctx.
func WithClass(ctx context.Context, class Class) context.Context {
	return context.WithValue(ctx, classKey{}, class)
}

func classify(req *http.Request) Class {
	if class, ok := req.Context().Value(classKey{}).(Class); ok && class != ClassAuto {
		return class
	}
	u := req.URL.String()
	switch {
	case urlutil.IsStreamingManifest(u):
		return ClassManifest
	case urlutil.IsProgressivePath(u):
		return ClassRequest
	case isSegmentPath(u):
		return ClassFragment
	default:
		return ClassRequest
	}
}

var segmentExtensions = map[string]bool{
	".ts":   true,
	".m4s":  true,
	".aac":  true,
	".mp3":  true,
	".vtt":  true,
	".m4a":  true,
	".cmfv": true,
	".cmfa": true,
}

func isSegmentPath(rawURL string) bool {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return segmentExtensions[strings.ToLower(path.Ext(p))]
}
