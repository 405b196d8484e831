package version

import (
	"runtime/debug"
	"testing"
	"time"
)

func withBuild(t *testing.T, appVersion, commit, buildTime string, bi *debug.BuildInfo) {
	t.Helper()
	oldVersion, oldCommit, oldBuildTime, oldRead := AppVersion, GitCommit, BuildTime, readBuildInfo
	t.Cleanup(func() {
		AppVersion, GitCommit, BuildTime, readBuildInfo = oldVersion, oldCommit, oldBuildTime, oldRead
	})
	AppVersion, GitCommit, BuildTime = appVersion, commit, buildTime
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
}

func TestCurrent(t *testing.T) {
	vcs := &debug.BuildInfo{
		GoVersion: "go1.24.0",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}

	tests := []struct {
		name      string
		version   string
		commit    string
		buildTime string
		service   string
		bi        *debug.BuildInfo
		want      Info
	}{
		{
			name: "defaults without build info",
			want: Info{Service: Unknown, Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown},
		},
		{
			name: "ldflags win over vcs", service: "posts", version: "v1.4.0", commit: "deadbeef", buildTime: "2026-10-01T00:00:00Z", bi: vcs,
			want: Info{Service: "posts", Version: "v1.4.0", Commit: "deadbeef", BuildTime: "2026-10-01T00:00:00Z", GoVersion: "go1.24.0"},
		},
		{
			name: "vcs fills unknowns", service: " posts ", commit: Unknown, buildTime: Unknown, bi: vcs,
			want: Info{Service: "posts", Version: DevelopmentVersion, Commit: "abc123", BuildTime: "2026-01-02T03:04:05Z", GoVersion: "go1.24.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuild(t, tt.version, tt.commit, tt.buildTime, tt.bi)
			if got := Current(tt.service); got != tt.want {
				t.Fatalf("Current() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInfo_ParseBuildTime(t *testing.T) {
	ts, ok := Info{BuildTime: "2026-02-20T10:11:12Z"}.ParseBuildTime()
	if !ok || !ts.Equal(time.Date(2026, 2, 20, 10, 11, 12, 0, time.UTC)) {
		t.Fatalf("ParseBuildTime() = %v, %v", ts, ok)
	}
	for _, bad := range []string{"", Unknown, "yesterday"} {
		if _, ok := (Info{BuildTime: bad}).ParseBuildTime(); ok {
			t.Fatalf("ParseBuildTime(%q) succeeded", bad)
		}
	}
}

func TestInfo_String(t *testing.T) {
	got := Info{Service: "posts", Version: "v1", Commit: "c", BuildTime: "t"}.String()
	if want := "posts@v1 (commit=c, build_time=t)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
