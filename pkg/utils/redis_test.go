package utils

import "testing"

func TestLeaseScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if leaseAcquireScript == nil || leaseReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}
