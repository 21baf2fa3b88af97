// Package buildinfo reports the server version. Release builds set the
// variables with -ldflags "-X .../internal/buildinfo.Version=v1.2.3"; other
// builds fall back to the VCS stamp the go tool embeds.
package buildinfo

import "runtime/debug"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && GitCommit == "unknown":
			GitCommit = shortRevision(s.Value)
		case s.Key == "vcs.time" && BuildTime == "unknown":
			BuildTime = s.Value
		}
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// UserAgent is sent on outbound HTTP fetches.
func UserAgent() string {
	return "pure-gopher/" + Version
}
