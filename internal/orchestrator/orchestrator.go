// Package orchestrator implements part of §4.8's glue: spawn the tracee,
// build unwind tables for every mapped image, release the tracee, and
// symbolicate sample addresses. Parsing the probe spec, attaching, draining
// and emitting are done by cmd/nativetrace; nothing here or there seeds the
// shared row maps or the shared config.
package orchestrator

import (
	"fmt"
	"log"
	"time"

	"github.com/dispatchrun/nativetrace/internal/elf"
	"github.com/dispatchrun/nativetrace/internal/probe"
	"github.com/dispatchrun/nativetrace/internal/procmap"
	"github.com/dispatchrun/nativetrace/internal/symbol"
	"github.com/dispatchrun/nativetrace/internal/tracee"
	"github.com/dispatchrun/nativetrace/internal/unwind"
)

var orchestratorLog = log.New(log.Writer(), "orchestrator: ", log.Flags())

// ImageTable pairs a mapped image's address-map entry with the unwind
// table built from its .eh_frame section, and the symbolicator used to
// resolve addresses within it — the per-image units §4.2/§4.3/§4.6
// describe.
type ImageTable struct {
	Entry        procmap.Entry
	Table        *unwind.Table
	Symbolicator *symbol.Symbolicator
}

// Resolver implements aggregate.Resolver by combining a process address
// map with one per-image Symbolicator: it finds which image an IP falls
// in, computes the module-relative offset (§4.6), and resolves within
// that image.
type Resolver struct {
	images []ImageTable
}

// Resolve implements aggregate.Resolver.
func (r *Resolver) Resolve(ip uint64) ([]symbol.Frame, bool) {
	for _, img := range r.images {
		if ip < img.Entry.StartAddr || ip > img.Entry.EndAddr {
			continue
		}
		offset := ip - img.Entry.StartAddr
		frames, err := img.Symbolicator.Resolve(offset)
		if err != nil || len(frames) == 0 {
			return nil, false
		}
		return frames, true
	}
	return nil, false
}

// BuildImageTables builds one ImageTable per address-map entry, per §4.8:
// "read the map, build unwind tables per entry". A missing .eh_frame
// section is fatal for that image per §4.2 (ErrMissingFrameInfo), but does
// not abort the whole run — images this build cannot unwind through are
// skipped with a diagnostic, matching the degrade-gracefully spirit of
// §4.4's tracee-death handling.
func BuildImageTables(m *procmap.Map) ([]ImageTable, func(), error) {
	var images []ImageTable
	var readers []*elf.Reader

	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}

	for _, entry := range m.Entries() {
		r, err := elf.Open(entry.Path)
		if err != nil {
			orchestratorLog.Printf("skipping %s: %v", entry.Path, err)
			continue
		}
		readers = append(readers, r)

		ehFrame, err := r.EhFrame()
		if err != nil {
			orchestratorLog.Printf("skipping %s: %v", entry.Path, err)
			continue
		}
		base, _ := r.SectionAddress(elf.SectionEhFrame)

		table, err := unwind.BuildTable(ehFrame, base)
		if err != nil {
			orchestratorLog.Printf("skipping %s: building unwind table: %v", entry.Path, err)
			continue
		}

		sym, err := symbol.New(r)
		if err != nil {
			orchestratorLog.Printf("%s: symbolicator: %v", entry.Path, err)
			continue
		}

		images = append(images, ImageTable{Entry: entry, Table: table, Symbolicator: sym})
	}

	if len(images) == 0 {
		closeAll()
		return nil, func() {}, fmt.Errorf("orchestrator: no image produced a usable unwind table")
	}

	return images, closeAll, nil
}

// NewResolver builds an aggregate.Resolver-compatible Resolver from a set
// of image tables.
func NewResolver(images []ImageTable) *Resolver {
	return &Resolver{images: images}
}

// Session represents one end-to-end trace run (§4.8), from tracee spawn
// through table construction. It stops short of attaching real kernel
// probes: attach.Loader (an external cilium/ebpf collaborator) performs
// that step once a session's tables are ready, since attachment requires a
// compiled bytecode artifact this package never produces.
type Session struct {
	Spec   probe.Spec
	Tracee *tracee.Tracee
	Images []ImageTable
	Close  func()
}

// Start spawns path with args, waits for the tracee's post-exec stop, and
// builds the per-image unwind tables from its address map at that point —
// the portion of §4.8 that happens before probe attachment. The stop comes
// before the dynamic loader runs, so shared libraries it maps later get no
// table.
func Start(spec probe.Spec, path string, args []string) (*Session, error) {
	tr, err := tracee.Spawn(path, args)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	m, err := procmap.LoadPID(tr.PID())
	if err != nil {
		tr.Kill()
		return nil, fmt.Errorf("orchestrator: reading address map: %w", err)
	}

	images, closeImages, err := BuildImageTables(m)
	if err != nil {
		tr.Kill()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	return &Session{Spec: spec, Tracee: tr, Images: images, Close: closeImages}, nil
}

// Release continues the tracee (§4.4's continue_and_wait) and blocks until
// it exits. Call this only after probes are attached and shared maps are
// seeded; the tracee runs its own code as soon as this is called.
func (s *Session) Release() (exitCode int, err error) {
	return s.Tracee.ContinueAndWait()
}

// sessionStart is a clock hook that nothing reads: cmd/nativetrace takes a
// profile's start time from time.Now() directly, so replacing sessionStart
// does not change TimeNanos in emitted pprof profiles.
var sessionStart = time.Now
