// Package version reports the build version of lotteryd binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const fallbackModule = "pkt.systems/lotteryd"

// buildVersion is set via -ldflags "-X pkt.systems/lotteryd/internal/version.buildVersion=...".
var buildVersion = ""

// Build describes the running binary.
type Build struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Dirty     bool
	GoVersion string
}

var current = sync.OnceValue(func() Build {
	info, _ := debug.ReadBuildInfo()
	return describe(info, buildVersion)
})

// Get returns the build description, read once per process.
func Get() Build {
	return current()
}

// Current returns the best available version string.
func Current() string {
	return Get().Version
}

// Module returns the main module path.
func Module() string {
	return Get().Module
}

// String renders "module version" for banners and the version command.
func String() string {
	b := Get()
	return b.Module + " " + b.Version
}

// describe folds build info and an ldflags override into a Build. The
// override wins, then a tagged module version, then a pseudo-version made
// from the VCS stamp.
func describe(info *debug.BuildInfo, override string) Build {
	b := Build{Module: fallbackModule, GoVersion: runtime.Version()}
	var tagged string
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			b.Module = path
		}
		if v := strings.TrimSpace(info.Main.Version); v != "(devel)" {
			tagged = v
		}
		if info.GoVersion != "" {
			b.GoVersion = info.GoVersion
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				b.Revision = s.Value
			case "vcs.time":
				b.Time, _ = time.Parse(time.RFC3339, s.Value)
			case "vcs.modified":
				b.Dirty = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		b.Version = strings.TrimSpace(override)
	case tagged != "":
		b.Version = tagged
	default:
		b.Version = b.pseudo()
	}
	return b
}

func (b Build) pseudo() string {
	if b.Revision == "" || b.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + b.Time.UTC().Format("20060102150405") + "-" + rev
	if b.Dirty {
		v += "+dirty"
	}
	return v
}
