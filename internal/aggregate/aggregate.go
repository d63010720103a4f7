// Package aggregate implements the sample counter map (§3), the two native
// output modes (stack listing and collapsed flamegraph, §4.7), and a
// pprof-compatible enrichment mode for feeding samples into existing
// flamegraph tooling.
package aggregate

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cilium/ebpf"
	"github.com/google/pprof/profile"

	"github.com/dispatchrun/nativetrace/internal/probe"
	"github.com/dispatchrun/nativetrace/internal/symbol"
)

// Counter is the sample counter map §3 describes: "maps each distinct stack
// sample to the number of times it was observed". Stack is a fixed-size
// array, so it is directly usable as a map key — no hashing helper needed.
type Counter map[probe.Stack]uint32

// Observe increments the count for stack by n. Reading the map does not
// change it (§8 invariant 5), and addition is commutative, so per-CPU shards
// (a real deployment keeps one Counter per CPU to avoid a shared atomic) can
// be merged in any order via Merge.
func (c Counter) Observe(stack probe.Stack, n uint32) {
	c[stack] += n
}

// Merge folds src into c, for combining per-CPU sample-map shards after
// drain (§9: "a non-atomic increment is acceptable provided shards are
// merged commutatively").
func (c Counter) Merge(src Counter) {
	for stack, n := range src {
		c[stack] += n
	}
}

// CounterFromMap drains a loaded sample counter map (§3) into a Counter.
// The map's key is a Stack (the fixed-length, innermost-first IP array §4.5
// records) and its value is the 32-bit count §3 describes; iterating it is
// read-only (§8 invariant 5: draining does not mutate the map), so callers
// may drain once at tracee exit per §4.8 and trust the result is stable.
func CounterFromMap(m *ebpf.Map) (Counter, error) {
	c := make(Counter)
	var key probe.Stack
	var value uint32
	it := m.Iterate()
	for it.Next(&key, &value) {
		c.Observe(key, value)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("aggregate: draining sample map: %w", err)
	}
	return c, nil
}

// Resolver symbolicates a single instruction pointer already adjusted to
// whatever address space the caller's samples were recorded in — the
// orchestrator wires this to a process address map plus one
// symbol.Symbolicator per loaded image (§4.6).
type Resolver interface {
	Resolve(ip uint64) ([]symbol.Frame, bool)
}

// resolvedStack expands a raw IP stack into symbolicated frames,
// root-to-leaf (index len-1 down to 0, since Stack is recorded
// innermost-first per §4.5). unresolved is true if any IP in the stack
// (other than the trailing zero terminator) could not be symbolicated.
func resolvedStack(stack probe.Stack, r Resolver) (frames []symbol.Frame, unresolved bool) {
	for i := len(stack) - 1; i >= 0; i-- {
		ip := stack[i]
		if ip == 0 {
			continue
		}
		fs, ok := r.Resolve(ip)
		if !ok || len(fs) == 0 {
			unresolved = true
			frames = append(frames, symbol.Frame{Function: "???"})
			continue
		}
		// fs is already innermost-first for this one IP's inline chain;
		// within the whole stack we still want outermost-frame-last overall
		// ordering per frame group, so reverse fs before appending root-to-leaf.
		for j := len(fs) - 1; j >= 0; j-- {
			frames = append(frames, fs[j])
		}
	}
	return frames, unresolved
}

// stackEntry pairs a raw sample with its resolved frames, for output modes
// that need both the count and human-readable symbols.
type stackEntry struct {
	stack  probe.Stack
	count  uint32
	frames []symbol.Frame
}

func sortedEntries(c Counter, r Resolver, dropUnresolved bool) []stackEntry {
	entries := make([]stackEntry, 0, len(c))
	for stack, count := range c {
		frames, unresolved := resolvedStack(stack, r)
		if unresolved && dropUnresolved {
			continue
		}
		entries = append(entries, stackEntry{stack: stack, count: count, frames: frames})
	}
	// Deterministic output: highest count first, then by the leaf
	// instruction pointer (stack[0]) as a tiebreaker.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].stack[0] < entries[j].stack[0]
	})
	return entries
}

// StackListing renders Counter in the native "stack listing" format (§4.7):
// a count, then each frame as "index: symbol" with an indented source
// location line. Unresolvable frames print as "???" rather than being
// dropped (the Open Question resolution this build makes for listing mode,
// as opposed to flamegraph mode below).
func StackListing(c Counter, r Resolver) string {
	var b strings.Builder
	for _, e := range sortedEntries(c, r, false) {
		fmt.Fprintf(&b, "%d\n", e.count)
		for i, f := range e.frames {
			fmt.Fprintf(&b, "%d: %s\n", i, f.String())
		}
	}
	return b.String()
}

// CollapsedFlamegraph renders Counter in collapsed-stack format: symbols
// joined by ';' root-to-leaf, a space, then the count. Per §9's documented
// behavior, any stack containing an unresolvable frame is dropped entirely
// rather than emitted with a placeholder — flamegraph tooling treats "???"
// frames as real, confusing frames otherwise.
func CollapsedFlamegraph(c Counter, r Resolver) string {
	var b strings.Builder
	for _, e := range sortedEntries(c, r, true) {
		names := make([]string, len(e.frames))
		for i, f := range e.frames {
			names[i] = f.Function
		}
		fmt.Fprintf(&b, "%s %d\n", strings.Join(names, ";"), e.count)
	}
	return b.String()
}

// ToPprof converts Counter into a pprof Profile, preserving every raw IP
// as a distinct Location so repeated calls through the same code share
// Location and Function entries (mirrors the location/function caching
// idiom used to build other profile formats in this family of tools).
func ToPprof(c Counter, r Resolver, start time.Time, duration time.Duration) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		Sample:        make([]*profile.Sample, 0, len(c)),
		TimeNanos:     start.UnixNano(),
		DurationNanos: int64(duration),
	}

	locationID := uint64(1)
	functionID := uint64(1)
	locationCache := make(map[uint64]*profile.Location)
	functionCache := make(map[string]*profile.Function)

	for stack, count := range c {
		var locations []*profile.Location
		for i := len(stack) - 1; i >= 0; i-- {
			ip := stack[i]
			if ip == 0 {
				continue
			}
			loc := locationCache[ip]
			if loc == nil {
				loc = &profile.Location{ID: locationID, Address: ip}
				locationID++

				frames, _ := r.Resolve(ip)
				lines := make([]profile.Line, 0, len(frames))
				for _, f := range frames {
					fn := functionCache[f.Function]
					if fn == nil {
						fn = &profile.Function{ID: functionID, Name: f.Function, SystemName: f.Function, Filename: f.File}
						functionID++
						functionCache[f.Function] = fn
					}
					lines = append(lines, profile.Line{Function: fn, Line: f.Line})
				}
				loc.Line = lines
				locationCache[ip] = loc
			}
			locations = append(locations, loc)
		}

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{int64(count)},
		})
	}

	prof.Location = make([]*profile.Location, len(locationCache))
	for _, loc := range locationCache {
		prof.Location[loc.ID-1] = loc
	}
	prof.Function = make([]*profile.Function, len(functionCache))
	for _, fn := range functionCache {
		prof.Function[fn.ID-1] = fn
	}

	return prof
}

// Snapshot supplies a Counter along with the window it was collected over,
// for Handler to convert on each request.
type Snapshot func() (Counter, time.Time, time.Duration)

// Handler serves the current sample map as a pprof profile over HTTP, the
// same "attachment" content-disposition convention as a standard Go pprof
// endpoint.
type Handler struct {
	Snapshot Snapshot
	Resolver Resolver
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	counts, start, duration := h.Snapshot()
	prof := ToPprof(counts, h.Resolver, start, duration)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="profile"`)
	if err := prof.Write(w); err != nil {
		serveError(w, http.StatusInternalServerError, err.Error())
	}
}

func serveError(w http.ResponseWriter, status int, txt string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Go-Pprof", "1")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}
