package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmylchreest/livegen/internal/urlutil"
)

// ActionCreateVideo is the action name of the task submission frame.
const ActionCreateVideo = "create-video"

// internalErrorNotice is the transport-level notice the backend emits when a
// Lambda integration fails. It carries no result and is never forwarded.
const internalErrorNotice = "internal server error"

// Request is the outbound task submission frame.
type Request struct {
	Action string `json:"action"`
	Task   string `json:"task"`
	APIKey string `json:"api_key"`
}

// Frame is one inbound control frame. Any subset of fields may be set.
type Frame struct {
	Link    string `json:"link,omitempty"`
	MP4Link string `json:"mp4_link,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// Raw is the frame exactly as received.
	Raw json.RawMessage `json:"-"`
}

// ParseFrame decodes an inbound payload.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return f, nil
}

// IsInternalError reports whether the frame is the backend's internal error notice.
func (f Frame) IsInternalError() bool {
	return strings.EqualFold(strings.TrimSpace(f.Message), internalErrorNotice)
}

// LinkKind distinguishes streaming results from progressive ones.
type LinkKind int

const (
	LinkStreaming LinkKind = iota
	LinkProgressive
)

func (k LinkKind) String() string {
	if k == LinkProgressive {
		return "progressive"
	}
	return "streaming"
}

// Result is the usable outcome of a generation session.
type Result struct {
	Link string
	Kind LinkKind
	// Field names the frame field the link came from ("link" or "mp4_link").
	Field string
}

// Result selects the usable link of f. A streaming link always wins over a
// progressive one: "link" unless it names a progressive file, then "mp4_link"
// when it follows streaming conventions, then whichever progressive link is
// present.
func (f Frame) Result() (Result, bool) {
	link := strings.TrimSpace(f.Link)
	mp4 := strings.TrimSpace(f.MP4Link)

	switch {
	case link != "" && !urlutil.IsProgressivePath(link):
		return Result{Link: link, Kind: LinkStreaming, Field: "link"}, true
	case mp4 != "" && urlutil.IsStreamingManifest(mp4):
		return Result{Link: mp4, Kind: LinkStreaming, Field: "mp4_link"}, true
	case mp4 != "":
		return Result{Link: mp4, Kind: LinkProgressive, Field: "mp4_link"}, true
	case link != "":
		return Result{Link: link, Kind: LinkProgressive, Field: "link"}, true
	default:
		return Result{}, false
	}
}
