// Package symbol implements the host-side symbolicator (§4.6): given an
// instruction pointer already adjusted to a module-relative offset, it
// resolves the innermost DWARF inline frame, walking outward to the
// enclosing subprogram, and falls back to the ELF static symbol table when
// no DWARF info covers the address.
package symbol

import (
	"debug/dwarf"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/dispatchrun/nativetrace/internal/elf"
)

// Frame is one resolved stack location. A single instruction pointer can
// expand to several Frames when it falls inside an inlined call chain
// (§4.6: "walk the inline chain innermost-first").
type Frame struct {
	Function string
	File     string
	Line     int64
	Column   int64
	Inlined  bool
}

type pcRange = [2]uint64

type subprogram struct {
	entry     *dwarf.Entry
	cu        *dwarf.Entry
	inlines   []*dwarf.Entry
	namespace string
}

type subprogramRange struct {
	rng        pcRange
	subprogram *subprogram
}

// Symbolicator resolves addresses within a single ELF image (§4.1's
// Reader) to source-level frames.
type Symbolicator struct {
	reader      *elf.Reader
	d           *dwarf.Data
	subprograms []subprogramRange

	onceNotFound sync.Once
}

// New builds a Symbolicator for r, parsing its DWARF debug info if present.
// A reader with no DWARF info (stripped binary) still symbolicates via the
// ELF static symbol table fallback.
func New(r *elf.Reader) (*Symbolicator, error) {
	s := &Symbolicator{reader: r}

	d, err := r.DWARF()
	if err != nil {
		log.Printf("symbol: %s: no DWARF info, falling back to static symbols: %v", r.Path(), err)
		return s, nil
	}
	s.d = d
	s.subprograms = parseSubprograms(d)
	log.Printf("symbol: %s: parsed %d subprogram ranges", r.Path(), len(s.subprograms))
	return s, nil
}

func parseSubprograms(d *dwarf.Data) []subprogramRange {
	var out []subprogramRange
	r := d.Reader()
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == dwarf.TagCompileUnit {
			out = parseCompileUnit(d, r, ent, "", out)
		} else {
			r.SkipChildren()
		}
	}
	return out
}

func parseCompileUnit(d *dwarf.Data, r *dwarf.Reader, cu *dwarf.Entry, ns string, out []subprogramRange) []subprogramRange {
	return parseAny(d, r, cu, ns, cu, out)
}

func parseAny(d *dwarf.Data, r *dwarf.Reader, cu *dwarf.Entry, ns string, e *dwarf.Entry, out []subprogramRange) []subprogramRange {
	for e.Children {
		ent, err := r.Next()
		if err != nil || ent == nil {
			return out
		}
		switch ent.Tag {
		case 0:
			return out
		case dwarf.TagSubprogram:
			out = parseSubprogram(d, r, cu, ns, ent, out)
		case dwarf.TagNamespace:
			name, _ := ent.Val(dwarf.AttrName).(string)
			out = parseCompileUnit(d, r, cu, ns+name+":", out)
		default:
			out = parseAny(d, r, cu, ns, ent, out)
		}
	}
	return out
}

func parseSubprogram(d *dwarf.Data, r *dwarf.Reader, cu *dwarf.Entry, ns string, e *dwarf.Entry, out []subprogramRange) []subprogramRange {
	var inlines []*dwarf.Entry
	for e.Children {
		ent, err := r.Next()
		if err != nil || ent == nil || ent.Tag == 0 {
			break
		}
		if ent.Tag != dwarf.TagInlinedSubroutine {
			r.SkipChildren()
			continue
		}
		inlines = append(inlines, ent)
		r.SkipChildren()
	}

	ranges, err := d.Ranges(e)
	if err != nil {
		log.Printf("symbol: failed to read ranges: %v", err)
		return out
	}

	spgm := &subprogram{entry: e, cu: cu, inlines: inlines, namespace: ns}

	if len(ranges) == 0 {
		// No range means the subprogram exists only as an inlining
		// target; keep a record so name resolution for inlined callers
		// still finds it, attached to a range nothing will ever hit.
		ranges = append(ranges, [2]uint64{math.MaxUint64, math.MaxUint64})
	}
	for _, pcr := range ranges {
		out = append(out, subprogramRange{rng: pcRange{pcr[0], pcr[1]}, subprogram: spgm})
	}
	return out
}

// findSubprogram returns the subprogram whose PC range contains offset
// (low inclusive, high exclusive, matching DWARF's low_pc/high_pc
// convention), or nil if none does.
func findSubprogram(ranges []subprogramRange, offset uint64) *subprogram {
	for _, sr := range ranges {
		if sr.rng[0] <= offset && offset < sr.rng[1] {
			return sr.subprogram
		}
	}
	return nil
}

// Resolve symbolicates a module-relative offset (§4.6: "offset =
// ip - entry.start_addr"), returning frames innermost-first. When DWARF
// covers offset, it returns the inline chain; otherwise it falls back to
// the innermost ELF static symbol table entry containing offset. If neither
// covers offset it returns no frames.
func (s *Symbolicator) Resolve(offset uint64) ([]Frame, error) {
	if s.d != nil {
		if frames := s.resolveDWARF(offset); len(frames) > 0 {
			return frames, nil
		}
	}

	sym, ok := s.reader.ResolveAddress(offset)
	if !ok {
		return nil, nil
	}
	return []Frame{{Function: sym.Name}}, nil
}

func (s *Symbolicator) resolveDWARF(offset uint64) []Frame {
	spgm := findSubprogram(s.subprograms, offset)
	if spgm == nil {
		s.onceNotFound.Do(func() {
			log.Printf("symbol: no subprogram range covers offset %#x (silencing further misses)", offset)
		})
		return nil
	}

	lr, err := s.d.LineReader(spgm.cu)
	if err != nil || lr == nil {
		log.Printf("symbol: failed to read line program: %v", err)
		return nil
	}

	var le dwarf.LineEntry
	var entries []dwarf.LineEntry
	for {
		err := lr.Next(&le)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("symbol: failed to iterate line entries: %v", err)
			break
		}
		entries = append(entries, le)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	i := sort.Search(len(entries), func(i int) bool { return entries[i].Address >= offset })
	if i == len(entries) {
		return nil
	}
	match := entries[i]
	if match.Address != offset {
		// The instruction sits between two line-table rows; the previous
		// row is the one describing it, same convention addr2line uses.
		if i == 0 {
			return nil
		}
		match = entries[i-1]
	}

	human := namesForSubprogram(s.d, spgm.entry, spgm)
	frames := make([]Frame, 0, 1+len(spgm.inlines))
	frames = append(frames, Frame{
		Function: human,
		File:     match.File.Name,
		Line:     int64(match.Line),
		Column:   int64(match.Column),
		Inlined:  len(spgm.inlines) > 0,
	})

	for i := len(spgm.inlines) - 1; i >= 0; i-- {
		f := spgm.inlines[i]
		fileIdx, ok := f.Val(dwarf.AttrCallFile).(int64)
		files := lr.Files()
		if !ok || fileIdx < 0 || fileIdx >= int64(len(files)) || files[fileIdx] == nil {
			break
		}
		line, _ := f.Val(dwarf.AttrCallLine).(int64)
		col, _ := f.Val(dwarf.AttrCallColumn).(int64)
		frames = append(frames, Frame{
			Function: namesForSubprogram(s.d, f, nil),
			File:     files[fileIdx].Name,
			Line:     line,
			Column:   col,
			Inlined:  i != 0,
		})
	}
	return frames
}

// namesForSubprogram walks AttrAbstractOrigin to the originating subprogram
// (inlined instances point back at their template) and prefixes the
// enclosing namespace chain.
func namesForSubprogram(d *dwarf.Data, e *dwarf.Entry, spgm *subprogram) string {
	r := d.Reader()
	for {
		ao, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			break
		}
		r.Seek(ao)
		next, err := r.Next()
		if err != nil || next == nil {
			break
		}
		e = next
	}

	name, _ := e.Val(dwarf.AttrName).(string)
	if spgm != nil {
		return spgm.namespace + name
	}
	return name
}

// String renders a Frame the way stack listings print it (§4.7): the
// function name, then an indented source location.
func (f Frame) String() string {
	if f.File == "" {
		return f.Function
	}
	return fmt.Sprintf("%s\n    at %s:%d:%d", f.Function, f.File, f.Line, f.Column)
}
