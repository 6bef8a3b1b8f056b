package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2024-05-01T10:11:12Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20240501101112-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromBuildInfo(&debug.BuildInfo{}) != "" {
		t.Fatal("expected empty version without vcs settings")
	}
}

func TestCurrentNeverEmpty(t *testing.T) {
	if strings.TrimSpace(Current()) == "" {
		t.Fatal("expected a version string")
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent("bench"); !strings.HasPrefix(got, "voucherd-bench/") {
		t.Fatalf("UserAgent(bench)=%q", got)
	}
	if got := UserAgent(" "); got != "voucherd/"+Current() {
		t.Fatalf("UserAgent(blank)=%q", got)
	}
}
