package cmd

import (
	"runtime"
	"testing"
)

func TestCurrentBuild_UsesLinkerStampedValues(t *testing.T) {
	saved := [3]string{Version, CommitSHA, BuildDate}
	t.Cleanup(func() { Version, CommitSHA, BuildDate = saved[0], saved[1], saved[2] })

	// Same variables the release -X flags target.
	Version, CommitSHA, BuildDate = "v1.4.0", "0123abcd", "2026-10-01T08:00:00Z"

	b := currentBuild()
	if b.Version != "v1.4.0" || b.CommitSHA != "0123abcd" || b.BuildDate != "2026-10-01T08:00:00Z" {
		t.Errorf("currentBuild() = %+v, want the stamped values", b)
	}
	if b.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", b.GoVersion, runtime.Version())
	}
}
