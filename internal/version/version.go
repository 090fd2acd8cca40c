// Package version reports what build of lakecommit is running.
package version

import (
	"path"
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/lakecommit"

// buildVersion is injected at link time:
//
//	-ldflags "-X pkt.systems/lakecommit/internal/version.buildVersion=v1.2.3"
var buildVersion = ""

// Current returns the linked version, the module version, or a pseudo
// version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoFromBuildInfo(info); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return fallbackModule
}

// Name is the last element of Module.
func Name() string { return path.Base(Module()) }

// UserAgent identifies lakecommit to brokers and object stores.
func UserAgent() string { return Name() + "/" + Current() }

func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	vcs := make(map[string]string, 3)
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs[s.Key] = s.Value
		}
	}
	rev := vcs["vcs.revision"]
	stamp, err := time.Parse(time.RFC3339, vcs["vcs.time"])
	if rev == "" || err != nil {
		return ""
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + rev[:min(len(rev), 12)]
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
