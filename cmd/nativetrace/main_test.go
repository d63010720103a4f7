package main

import (
	"runtime"
	"testing"
)

func TestRunTraceRejectsBadProbeSpec(t *testing.T) {
	err := runTrace(&traceOptions{format: "listing"}, "bogus:foo", "/bin/true", nil)
	if err == nil {
		t.Fatal("expected an error for an unsupported probe kind")
	}
}

func TestRunTraceRequiresPathForUprobe(t *testing.T) {
	err := runTrace(&traceOptions{format: "listing"}, "uprobe::malloc", "/bin/true", nil)
	if err == nil {
		t.Fatal("expected an error for a uprobe spec with an empty path")
	}
}

func TestRunTracePropagatesTargetExitCode(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("spawns a real tracee, linux only")
	}
	opts := &traceOptions{format: "listing"}
	// sh -c 'exit 7' is the standard way to get a nonzero, deterministic
	// exit status out of a spawned process for a test like this one.
	if err := runTrace(opts, "kprobe:finish_task_switch", "/bin/sh", []string{"-c", "exit 7"}); err != nil {
		t.Fatalf("runTrace: %v", err)
	}
	if opts.exitCode != 7 {
		t.Fatalf("opts.exitCode = %d, want 7 (§6: exit code propagates from the built target)", opts.exitCode)
	}
}

func TestTraceCommandRequiresTwoArgs(t *testing.T) {
	cmd := newTraceCmd(&traceOptions{})
	if err := cmd.Args(cmd, []string{"kprobe:foo"}); err == nil {
		t.Fatal("expected cobra.MinimumNArgs(2) to reject a single argument")
	}
	if err := cmd.Args(cmd, []string{"kprobe:foo", "/bin/true"}); err != nil {
		t.Fatalf("two args should be accepted: %v", err)
	}
}
