package symbol

import "testing"

func TestFindSubprogramRangeMatch(t *testing.T) {
	a := &subprogram{namespace: "a::"}
	b := &subprogram{namespace: "b::"}
	ranges := []subprogramRange{
		{rng: pcRange{0x1000, 0x1010}, subprogram: a},
		{rng: pcRange{0x1020, 0x1030}, subprogram: b},
	}

	if got := findSubprogram(ranges, 0x1005); got != a {
		t.Fatalf("findSubprogram(0x1005) = %v, want a", got)
	}
	if got := findSubprogram(ranges, 0x1025); got != b {
		t.Fatalf("findSubprogram(0x1025) = %v, want b", got)
	}
	// high_pc is exclusive.
	if got := findSubprogram(ranges, 0x1010); got != nil {
		t.Fatalf("findSubprogram(0x1010) = %v, want nil (exclusive high_pc)", got)
	}
	if got := findSubprogram(ranges, 0x1018); got != nil {
		t.Fatalf("findSubprogram(0x1018) = %v, want nil (gap between subprograms)", got)
	}
}

func TestFrameStringWithAndWithoutLocation(t *testing.T) {
	f := Frame{Function: "main.run"}
	if got, want := f.String(), "main.run"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	f = Frame{Function: "main.run", File: "main.go", Line: 12, Column: 3}
	if got, want := f.String(), "main.run\n    at main.go:12:3"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
