package dwarfindex

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"sync"

	"github.com/jeffmahoney/drgn/internal/safeelf"
)

const (
	sectionSymtab = iota
	sectionDebugAbbrev
	sectionDebugInfo
	sectionDebugLine
	sectionDebugStr
	numSections
)

var sectionNames = [numSections]string{
	sectionSymtab:      ".symtab",
	sectionDebugAbbrev: ".debug_abbrev",
	sectionDebugInfo:   ".debug_info",
	sectionDebugLine:   ".debug_line",
	sectionDebugStr:    ".debug_str",
}

var sectionOptional = [numSections]bool{
	sectionSymtab:    true,
	sectionDebugLine: true,
}

// file is one registered ELF file. Files progress from the index's opened
// list to its indexed list; a file is owned iff the index opened it from a
// path.
type file struct {
	// path is the canonical path, or empty for borrowed ELF handles.
	path  string
	elf   *safeelf.File
	owned bool
	order binary.ByteOrder

	sections     [numSections][]byte
	relaSections [numSections][]byte

	// failed marks the file for rollback after an indexing error.
	failed bool
	next   *file

	dwarfOnce sync.Once
	dwarfData *dwarf.Data
	dwarfErr  error
}

// readSections locates the debug sections and their relocation sections.
func (f *file) readSections() error {
	var sectionIndex [numSections]int

	// First pass: the symbol table and all debug sections.
	for i := range f.elf.Sections() {
		s := &f.elf.Sections()[i]
		if s.Type == elf.SHT_NOBITS || s.Flags&elf.SHF_GROUP != 0 {
			continue
		}
		for j := 0; j < numSections; j++ {
			if f.sections[j] != nil || s.Name != sectionNames[j] {
				continue
			}
			f.sections[j] = s.Data
			sectionIndex[j] = s.Index
		}
	}

	for i := 0; i < numSections; i++ {
		if f.sections[i] == nil && !sectionOptional[i] {
			return errorf(KindMissingDebug, "ELF file has no %s section", sectionNames[i])
		}
	}

	// Second pass: the relocation sections targeting them.
	for i := range f.elf.Sections() {
		s := &f.elf.Sections()[i]
		if s.Type != elf.SHT_RELA {
			continue
		}
		for j := 0; j < numSections; j++ {
			if f.relaSections[j] != nil || int(s.Info) != sectionIndex[j] || sectionIndex[j] == 0 {
				continue
			}
			if f.sections[sectionSymtab] == nil {
				return errorf(KindELFFormat, "ELF file has no .symtab section")
			}
			if int(s.Link) != sectionIndex[sectionSymtab] {
				return errorf(KindELFFormat, "relocation symbol table section is not .symtab")
			}
			f.relaSections[j] = s.Data
		}
	}

	return nil
}

// dwarf lazily constructs the file's DWARF view used to materialise DIE
// handles. Safe for concurrent use.
func (f *file) dwarf() (*dwarf.Data, error) {
	f.dwarfOnce.Do(func() {
		f.dwarfData, f.dwarfErr = dwarf.New(
			f.sections[sectionDebugAbbrev], nil, nil,
			f.sections[sectionDebugInfo], f.sections[sectionDebugLine],
			nil, nil, f.sections[sectionDebugStr])
	})
	return f.dwarfData, f.dwarfErr
}
