// Package version reports the build identity of the gtxd binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/gtxd"

// buildVersion is set via -ldflags "-X pkt.systems/gtxd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Dirty     bool
	GoVersion string
}

// String renders the info on one line.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Revision != "" {
		fmt.Fprintf(&b, " (%s", shortRevision(i.Revision))
		if i.Dirty {
			b.WriteString(", dirty")
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s", i.GoVersion)
	return b.String()
}

// Get collects the build info of the current binary.
func Get() Info {
	info := Info{Module: defaultModule, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.Time = t.UTC()
				}
			case "vcs.modified":
				info.Dirty = setting.Value == "true"
			}
		}
	}
	info.Version = resolve(bi, info)
	return info
}

// Current returns the best available version string.
func Current() string {
	return Get().Version
}

func resolve(bi *debug.BuildInfo, info Info) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if bi != nil {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return pseudoVersion(info)
}

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(info Info) string {
	if info.Revision == "" || info.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	ver := "v0.0.0-" + info.Time.Format("20060102150405") + "-" + shortRevision(info.Revision)
	if info.Dirty {
		ver += "+dirty"
	}
	return ver
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
