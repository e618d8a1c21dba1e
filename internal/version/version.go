// Package version holds build information injected with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/livegen/internal/version.Version=1.2.3 \
//	                   -X github.com/jmylchreest/livegen/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/livegen/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Build-time variables.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the binary and User-Agent product name.
const ApplicationName = "livegen"

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information of the running binary.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func shortCommit() (string, bool) {
	if Commit == "unknown" || len(Commit) < 8 {
		return "", false
	}
	return Commit[:8], true
}

// String returns the long form printed by `livegen version`.
func String() string {
	info := GetInfo()
	if c, ok := shortCommit(); ok {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short is used for cobra's --version flag.
func Short() string {
	if c, ok := shortCommit(); ok {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// JSON returns the build information as indented JSON.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent returns the User-Agent sent with media requests.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
