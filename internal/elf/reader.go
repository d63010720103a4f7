// Package elf implements the ELF/DWARF reader described in the design as
// component 4.1: it memory-maps an ELF image, locates the sections the rest
// of the pipeline needs (.eh_frame, .eh_frame_hdr, .text, .got), and exposes
// symbol resolution by name and by address.
package elf

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	mmap "github.com/edsrzf/mmap-go"
)

// Errors returned by Reader methods, named after the error kinds in §7 of
// the design.
var (
	ErrMissingFrameInfo  = errors.New("elf: missing .eh_frame section")
	ErrSymbolNotFound    = errors.New("elf: symbol not found")
	ErrOffsetOutOfRange  = errors.New("elf: offset out of range of symbol")
	ErrSectionNotPresent = errors.New("elf: section not present")
)

// Reader memory-maps a single ELF image and answers the queries the rest of
// the pipeline needs from it. A Reader is read-only after Open returns and
// is safe to share across goroutines.
type Reader struct {
	path string
	mm   mmap.MMap
	file *elf.File

	symbols    []elf.Symbol
	byAddr     []elf.Symbol // symbols sorted by Value, functions only
	dynSymbols []elf.Symbol
}

// Open memory-maps the file at path and parses its ELF headers.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("elf: mmap %s: %w", path, err)
	}

	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		return nil, fmt.Errorf("elf: parse %s: %w", path, err)
	}

	r := &Reader{path: path, mm: data, file: file}

	if syms, err := file.Symbols(); err == nil {
		r.symbols = syms
	}
	if dynsyms, err := file.DynamicSymbols(); err == nil {
		r.dynSymbols = dynsyms
	}

	r.byAddr = make([]elf.Symbol, 0, len(r.symbols)+len(r.dynSymbols))
	for _, s := range r.symbols {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Size > 0 {
			r.byAddr = append(r.byAddr, s)
		}
	}
	for _, s := range r.dynSymbols {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Size > 0 {
			r.byAddr = append(r.byAddr, s)
		}
	}
	sort.Slice(r.byAddr, func(i, j int) bool { return r.byAddr[i].Value < r.byAddr[j].Value })

	return r, nil
}

// Close unmaps the underlying file.
func (r *Reader) Close() error {
	return r.mm.Unmap()
}

// Path returns the path the Reader was opened from.
func (r *Reader) Path() string { return r.path }

// Section kinds understood by SectionAddress, per §4.2 step 1.
const (
	SectionEhFrame    = ".eh_frame"
	SectionEhFrameHdr = ".eh_frame_hdr"
	SectionText       = ".text"
	SectionGOT        = ".got"
)

// SectionAddress returns the base (virtual) address of the named section, if
// present in the image.
func (r *Reader) SectionAddress(name string) (uint64, bool) {
	sec := r.file.Section(name)
	if sec == nil {
		return 0, false
	}
	return sec.Addr, true
}

// SectionData returns the raw bytes of the named section.
func (r *Reader) SectionData(name string) ([]byte, error) {
	sec := r.file.Section(name)
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSectionNotPresent, name)
	}
	return sec.Data()
}

// EhFrame returns the bytes of .eh_frame, or ErrMissingFrameInfo if the
// section is not present. The unwind-table builder treats this as fatal.
func (r *Reader) EhFrame() ([]byte, error) {
	data, err := r.SectionData(SectionEhFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingFrameInfo, r.path)
	}
	return data, nil
}

// ResolveSymbol returns the address of symbol name plus offset. It fails
// with ErrOffsetOutOfRange if offset exceeds the symbol's recorded size.
func (r *Reader) ResolveSymbol(name string, offset uint64) (uint64, error) {
	for _, s := range r.symbols {
		if s.Name == name {
			return r.resolveWithin(s, offset)
		}
	}
	for _, s := range r.dynSymbols {
		if s.Name == name {
			return r.resolveWithin(s, offset)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

func (r *Reader) resolveWithin(s elf.Symbol, offset uint64) (uint64, error) {
	if s.Size > 0 && offset >= s.Size {
		return 0, fmt.Errorf("%w: %s+%d (size %d)", ErrOffsetOutOfRange, s.Name, offset, s.Size)
	}
	return s.Value + offset, nil
}

// Symbol describes a resolved address.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// ResolveAddress returns the innermost function symbol whose [Value,
// Value+Size) range contains addr, per §4.1. Returns false if no symbol
// covers the address.
func (r *Reader) ResolveAddress(addr uint64) (Symbol, bool) {
	i := sort.Search(len(r.byAddr), func(i int) bool { return r.byAddr[i].Value > addr })
	// i is the first symbol starting strictly after addr; the candidate
	// (if any) is the predecessor, and possibly earlier ones for nested
	// or zero-length neighbors, so scan backwards for the innermost match.
	var best *elf.Symbol
	for j := i - 1; j >= 0; j-- {
		s := r.byAddr[j]
		if addr < s.Value || addr >= s.Value+s.Size {
			// Once we hit a symbol that starts before any possible
			// match and doesn't contain addr, and symbols are sorted
			// by start address, earlier symbols start even earlier;
			// they could still be bigger and contain addr, so keep
			// scanning only while still plausible.
			if s.Value+s.Size <= addr && best != nil {
				break
			}
			continue
		}
		if best == nil || s.Size < best.Size {
			best = &r.byAddr[j]
		}
	}
	if best == nil {
		return Symbol{}, false
	}
	return Symbol{Name: best.Name, Value: best.Value, Size: best.Size}, true
}

// DynamicNeeded returns the list of DT_NEEDED library names recorded in the
// dynamic section.
func (r *Reader) DynamicNeeded() ([]string, error) {
	return r.file.DynString(elf.DT_NEEDED)
}

// BuildID returns the 20-byte GNU build-id note, if present.
//
// Grounded on the note-parsing shape of other_examples'
// lambdai-pprof/internal/elfexec (NT_GNU_BUILD_ID, name "GNU", padded to a
// 4-byte boundary).
func (r *Reader) BuildID() ([]byte, error) {
	for _, sec := range r.file.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if id, ok := findGNUBuildIDNote(data); ok {
			return id, nil
		}
	}
	return nil, fmt.Errorf("elf: no GNU build-id note in %s", r.path)
}

// BuildIDHex returns BuildID formatted as lowercase hex, per §6.
func (r *Reader) BuildIDHex() (string, error) {
	id, err := r.BuildID()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

const noteTypeGNUBuildID = 3

func findGNUBuildIDNote(data []byte) ([]byte, bool) {
	for len(data) >= 12 {
		namesz := le32(data[0:4])
		descsz := le32(data[4:8])
		typ := le32(data[8:12])
		data = data[12:]

		namePadded := align4(namesz)
		descPadded := align4(descsz)
		if uint64(namePadded)+uint64(descPadded) > uint64(len(data)) {
			return nil, false
		}

		name := data[:namesz]
		desc := data[namePadded : namePadded+descsz]
		data = data[namePadded+descPadded:]

		if typ == noteTypeGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) {
			return desc, true
		}
	}
	return nil, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// FindDebugInfo locates a DWARF context for this image, either embedded in
// the file itself or in a separate debug file resolved by build-id, the way
// §4.1 describes. It tries, in order: embedded .debug_info; a debug file at
// /usr/lib/debug/.build-id/xx/yyyy...debug.
func (r *Reader) FindDebugInfo() (*Reader, error) {
	if r.file.Section(".debug_info") != nil {
		return r, nil
	}
	id, err := r.BuildIDHex()
	if err != nil {
		return nil, fmt.Errorf("elf: no embedded debug info and no build-id in %s: %w", r.path, err)
	}
	if len(id) < 2 {
		return nil, fmt.Errorf("elf: malformed build-id in %s", r.path)
	}
	debugPath := filepath.Join("/usr/lib/debug/.build-id", id[:2], id[2:]+".debug")
	return Open(debugPath)
}

// DWARF returns the debug/dwarf data for this image, if present.
func (r *Reader) DWARF() (*dwarf.Data, error) {
	return r.file.DWARF()
}
