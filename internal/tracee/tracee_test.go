package tracee

import (
	"runtime"
	"testing"
)

func TestSpawnStopsBeforeRelease(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}

	tr, err := Spawn("/bin/true", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if tr.PID() <= 0 {
		t.Fatalf("PID() = %d, want > 0", tr.PID())
	}

	code, err := tr.ContinueAndWait()
	if err != nil {
		t.Fatalf("ContinueAndWait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestSpawnNonexistentBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}

	if _, err := Spawn("/no/such/binary", nil); err == nil {
		t.Fatal("expected error spawning a nonexistent binary")
	}
}

func TestDegraded(t *testing.T) {
	if !Degraded(errSentinel) {
		t.Fatal("Degraded(non-nil) = false, want true")
	}
	if Degraded(nil) {
		t.Fatal("Degraded(nil) = true, want false")
	}
}

var errSentinel = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }
