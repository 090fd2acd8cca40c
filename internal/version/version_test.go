package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-03-05T10:11:12Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20240305101112-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromBuildInfo(&debug.BuildInfo{}) != "" {
		t.Fatalf("expected empty pseudo version without vcs settings")
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if Current() != "v1.2.3" {
		t.Fatalf("expected ldflag version, got %q", Current())
	}
	if ua := UserAgent(); !strings.HasSuffix(ua, "/v1.2.3") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
