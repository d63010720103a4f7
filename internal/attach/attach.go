// Package attach wires compiled eBPF bytecode to the kernel's attach points
// (§6's probe kinds) via cilium/ebpf, and instantiates the maps the
// bytecode's collection defines. It does not create, size or fill the
// PC/RIP/RSP row arrays or the shared config §3 describes; nothing in this
// module writes unwind rows or the PID filter into a map. It never generates
// BPF C and never invokes a BPF compiler:
// Loader always starts from an already-compiled *ebpf.CollectionSpec, the
// "opaque bytecode artifact" §6 names.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"golang.org/x/sys/unix"

	"github.com/dispatchrun/nativetrace/internal/probe"
)

// Errors mirror §7: AttachFailed for any kernel-side attach rejection,
// ProbePathRequired when a uprobe-family spec arrives without a binary path.
var (
	errAttachFailed      = errors.New("attach failed")
	errProbePathRequired = errors.New("probe path required")
)

// NumCPU is the number of per-CPU slots to size perf-event-array maps and
// readers for. Sampling probe kinds (profile, interval, hardware) attach
// one instance per CPU.
func NumCPU() int { return runtime.NumCPU() }

// bumpMemlock raises RLIMIT_MEMLOCK to infinity, mirroring the standard
// cilium/ebpf program preamble: map creation otherwise fails under the
// default limit on kernels without memcg-based BPF accounting.
func bumpMemlock() error {
	err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	})
	if err != nil {
		return fmt.Errorf("attach: raise RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}

// MaxRowsPerMap is the shared-map row cap from §9: "up to 0xffff rows";
// a table that would exceed it must be partitioned across several maps,
// one per image.
const MaxRowsPerMap = 0xffff

// PartitionRowCounts splits a total row count into chunks no larger than
// MaxRowsPerMap, resolving §9's open question: a table exceeding the
// 0xffff-row shared-map cap is partitioned across several maps rather than
// truncated. It only computes the chunk sizes; no caller in this module
// creates maps from them.
func PartitionRowCounts(total int) []int {
	if total <= 0 {
		return nil
	}
	var parts []int
	for total > 0 {
		n := total
		if n > MaxRowsPerMap {
			n = MaxRowsPerMap
		}
		parts = append(parts, n)
		total -= n
	}
	return parts
}

// Loader turns a compiled collection spec into loaded maps and programs,
// and attaches them according to a probe.Spec. Close releases every
// resource it opened, in the reverse order they were acquired.
type Loader struct {
	spec  *ebpf.CollectionSpec
	coll  *ebpf.Collection
	links []link.Link
	perf  *perf.Reader
}

// Load parses raw ELF bytecode bytes (the opaque artifact) into a
// CollectionSpec and instantiates its maps and programs. It never compiles
// anything; bytecode is produced out of band.
func Load(bytecode []byte) (*Loader, error) {
	if err := bumpMemlock(); err != nil {
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bytecode))
	if err != nil {
		return nil, fmt.Errorf("attach: parse bytecode: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("attach: instantiate collection: %w", err)
	}

	return &Loader{spec: spec, coll: coll}, nil
}

// Map returns a named map from the loaded collection. cmd/nativetrace uses
// it to find the perf-event-array and to drain the sample counter map (§3,
// §4.8); no caller writes the PC[]/RIP[]/RSP[] row arrays or the shared
// config through it.
func (l *Loader) Map(name string) (*ebpf.Map, error) {
	m, ok := l.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("attach: map %q not present in collection", name)
	}
	return m, nil
}

// Program returns a named program from the loaded collection.
func (l *Loader) Program(name string) (*ebpf.Program, error) {
	p, ok := l.coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("attach: program %q not present in collection", name)
	}
	return p, nil
}

// Attach attaches prog at the kernel hook spec describes, using the
// cilium/ebpf link package's per-kind constructors. Unsupported combinations
// (a probe kind whose hook this build has no wiring for) surface as
// §7's AttachFailed.
func (l *Loader) Attach(spec probe.Spec, progName string) error {
	prog, err := l.Program(progName)
	if err != nil {
		return err
	}

	var lk link.Link
	switch spec.Kind {
	case probe.Kprobe:
		lk, err = link.Kprobe(spec.Symbol, prog, &link.KprobeOptions{Offset: spec.Offset})
	case probe.Kretprobe:
		lk, err = link.Kretprobe(spec.Symbol, prog, nil)
	case probe.Uprobe:
		lk, err = attachUprobe(spec, prog, false)
	case probe.Uretprobe:
		lk, err = attachUprobe(spec, prog, true)
	case probe.Usdt:
		lk, err = attachUprobe(spec, prog, false)
	case probe.Tracepoint:
		lk, err = link.Tracepoint(spec.Category, spec.Name, prog, nil)
	case probe.Kfunc:
		lk, err = link.AttachTracing(link.TracingOptions{Program: prog, AttachType: ebpf.AttachTraceFEntry})
	case probe.Kretfunc:
		lk, err = link.AttachTracing(link.TracingOptions{Program: prog, AttachType: ebpf.AttachTraceFExit})
	default:
		return fmt.Errorf("attach: %s: %w", spec.Kind, errAttachFailed)
	}
	if err != nil {
		return fmt.Errorf("attach: %s: %w: %v", spec, errAttachFailed, err)
	}

	l.links = append(l.links, lk)
	return nil
}

func attachUprobe(spec probe.Spec, prog *ebpf.Program, ret bool) (link.Link, error) {
	if spec.Path == "" {
		return nil, errProbePathRequired
	}
	ex, err := link.OpenExecutable(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", spec.Path, err)
	}
	if ret {
		return ex.Uretprobe(spec.Symbol, prog, &link.UprobeOptions{Offset: spec.Offset})
	}
	return ex.Uprobe(spec.Symbol, prog, &link.UprobeOptions{Offset: spec.Offset})
}

// AttachPerCPU attaches a sampling probe kind (profile, interval, software,
// hardware) across every CPU via perf_event_open, and opens a perf.Reader
// sized to read from all of them. Required attach points — unlike
// Tracepoint's best-effort peers in other systems — fail the whole load if
// any CPU's event cannot be opened.
func (l *Loader) AttachPerCPU(spec probe.Spec, progName string, events *ebpf.Map) error {
	prog, err := l.Program(progName)
	if err != nil {
		return err
	}

	attr, err := perfEventAttr(spec)
	if err != nil {
		return err
	}

	for cpu := 0; cpu < NumCPU(); cpu++ {
		fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, 0)
		if err != nil {
			return fmt.Errorf("attach: perf_event_open cpu %d: %w: %v", cpu, errAttachFailed, err)
		}
		pe, err := link.AttachRawLink(link.RawLinkOptions{
			Target:  fd,
			Program: prog,
			Attach:  ebpf.AttachPerfEvent,
		})
		if err != nil {
			return fmt.Errorf("attach: attach bpf program to perf event cpu %d: %w: %v", cpu, errAttachFailed, err)
		}
		l.links = append(l.links, pe)
	}

	rd, err := perf.NewReader(events, perfPageSize*NumCPU())
	if err != nil {
		return fmt.Errorf("attach: open perf reader: %w", err)
	}
	l.perf = rd
	return nil
}

const perfPageSize = 4096

// Events returns the perf.Reader opened by AttachPerCPU, if any, so the
// orchestrator can drain ring-buffer records (sample or lost-event
// notifications) alongside the polled sample counter map.
func (l *Loader) Events() *perf.Reader { return l.perf }

// Close releases the perf reader, every link, and the collection, in that
// order, aggregating any errors encountered along the way.
func (l *Loader) Close() error {
	var errs []error
	if l.perf != nil {
		if err := l.perf.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, lk := range l.links {
		if err := lk.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.coll != nil {
		l.coll.Close()
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("attach: close: %v", errs)
}
