package version

import (
	"runtime/debug"
	"strings"
)

var (
	// These can be set at build time with -ldflags:
	// -X github.com/zetaloop/simple-vertex-bridge/pkg/version.Version=vX.Y.Z
	// -X github.com/zetaloop/simple-vertex-bridge/pkg/version.Commit=<sha>
	Version = "dev"
	Commit  = ""
)

// String renders the build version, falling back to embedded VCS info
// when ldflags were not provided.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	commit := strings.TrimSpace(Commit)
	dirty := false
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
	}
	parts := []string{v}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		parts = append(parts, commit)
	}
	if dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}
