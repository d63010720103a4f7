package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/dispatchrun/nativetrace/internal/probe"
	"github.com/dispatchrun/nativetrace/internal/symbol"
)

type stubResolver map[uint64]string

func (r stubResolver) Resolve(ip uint64) ([]symbol.Frame, bool) {
	name, ok := r[ip]
	if !ok {
		return nil, false
	}
	return []symbol.Frame{{Function: name}}, true
}

func stackOf(ips ...uint64) probe.Stack {
	var s probe.Stack
	copy(s[:], ips)
	return s
}

// §8 scenario (b): three identical call sites (e.g. three calls to sleep
// from the same call site) aggregate into a single counter entry with
// count 3, not three separate entries.
func TestObserveAggregatesIdenticalStacks(t *testing.T) {
	c := make(Counter)
	stack := stackOf(0x2000, 0x1000)
	c.Observe(stack, 1)
	c.Observe(stack, 1)
	c.Observe(stack, 1)

	if len(c) != 1 {
		t.Fatalf("len(c) = %d, want 1 distinct stack", len(c))
	}
	if c[stack] != 3 {
		t.Fatalf("count = %d, want 3", c[stack])
	}
}

// Merging shards in any order yields the same totals, since addition is
// commutative.
func TestMergeIsOrderIndependent(t *testing.T) {
	a := stackOf(0x1000)
	b := stackOf(0x2000)

	shard1 := Counter{a: 2, b: 1}
	shard2 := Counter{a: 3, b: 5}

	total1 := make(Counter)
	total1.Merge(shard1)
	total1.Merge(shard2)

	total2 := make(Counter)
	total2.Merge(shard2)
	total2.Merge(shard1)

	if total1[a] != total2[a] || total1[b] != total2[b] {
		t.Fatalf("merge order changed totals: %v vs %v", total1, total2)
	}
	if total1[a] != 5 || total1[b] != 6 {
		t.Fatalf("totals = %v, want a=5 b=6", total1)
	}
}

func TestStackListingShowsPlaceholderForUnresolved(t *testing.T) {
	c := Counter{stackOf(0x9999): 1}
	out := StackListing(c, stubResolver{})
	if !strings.Contains(out, "???") {
		t.Fatalf("StackListing output missing placeholder: %q", out)
	}
	if !strings.HasPrefix(out, "1\n") {
		t.Fatalf("StackListing output missing count prefix: %q", out)
	}
}

func TestCollapsedFlamegraphDropsUnresolvedStacks(t *testing.T) {
	resolver := stubResolver{0x1000: "main.a", 0x2000: "main.b"}
	c := Counter{
		stackOf(0x2000, 0x1000): 2, // resolvable: main.a -> main.b
		stackOf(0x9999):         1, // unresolvable: dropped entirely
	}
	out := CollapsedFlamegraph(c, resolver)
	if strings.Contains(out, "???") {
		t.Fatalf("flamegraph output should drop unresolved stacks entirely: %q", out)
	}
	if !strings.Contains(out, "main.a;main.b 2") {
		t.Fatalf("flamegraph output missing expected line: %q", out)
	}
}

func TestToPprofSharesLocationsAcrossSamples(t *testing.T) {
	resolver := stubResolver{0x1000: "main.a"}
	c := Counter{
		stackOf(0x1000): 2,
	}
	prof := ToPprof(c, resolver, time.Time{}, 0)
	if len(prof.Location) != 1 {
		t.Fatalf("len(Location) = %d, want 1", len(prof.Location))
	}
	if len(prof.Function) != 1 {
		t.Fatalf("len(Function) = %d, want 1", len(prof.Function))
	}
	if len(prof.Sample) != 1 {
		t.Fatalf("len(Sample) = %d, want 1", len(prof.Sample))
	}
	if prof.Sample[0].Value[0] != 2 {
		t.Fatalf("sample value = %v, want [2]", prof.Sample[0].Value)
	}
}
