// Package safeelf provides bounds-checked access to 64-bit ELF files.
//
// Files opened from a path are backed by a private, writable memory
// mapping: relocation fixups can be applied to section contents in place
// without modifying the file on disk. All header parsing is done over the
// raw image, so section byte offsets are exact and stable.
package safeelf

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNotELF is returned when the file does not carry an ELF identity.
var ErrNotELF = errors.New("not an ELF file")

// FormatError is returned for structurally malformed or unsupported ELF
// files.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return e.Msg }

func formatErrorf(format string, args ...any) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

const (
	ehdrSize = 64
	shdrSize = 64

	// RelaSize is the size of one Elf64_Rela record.
	RelaSize = 24
	// SymSize is the size of one Elf64_Sym record.
	SymSize = 24
)

// Section describes one section of the file together with a view of its
// contents in the file image.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Link  uint32
	Info  uint32
	Index int

	// Data views the section contents within the file image. It is nil
	// for SHT_NOBITS sections. Mutating it mutates the in-memory image
	// only.
	Data []byte
}

// File is a parsed 64-bit ELF file.
type File struct {
	// Path is the path the file was opened from, or empty for files
	// constructed over caller-provided bytes.
	Path string
	// ByteOrder is the byte order declared by the ELF ident.
	ByteOrder binary.ByteOrder

	sections []Section
	data     []byte
	mapped   bool
}

// Open opens the ELF file at path over a private writable mapping.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return nil, ErrNotELF
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	f, err := parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	f.Path = path
	f.mapped = true
	return f, nil
}

// NewFile parses an ELF file over caller-provided bytes. The caller keeps
// ownership of data; relocation fixups are applied to it in place.
func NewFile(data []byte) (*File, error) {
	return parse(data)
}

// Close unmaps the file image if this File owns it.
func (f *File) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	data := f.data
	f.data = nil
	f.sections = nil
	return unix.Munmap(data)
}

// Sections returns the file's sections, excluding the null section 0.
func (f *File) Sections() []Section {
	return f.sections
}

func parse(data []byte) (*File, error) {
	if len(data) < 16 || string(data[:4]) != elf.ELFMAG {
		return nil, ErrNotELF
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, formatErrorf("32-bit ELF files are not supported")
	}

	var order binary.ByteOrder
	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, formatErrorf("unknown ELF data encoding %d", data[elf.EI_DATA])
	}

	if len(data) < ehdrSize {
		return nil, formatErrorf("ELF header is truncated")
	}
	shoff := order.Uint64(data[40:])
	shentsize := order.Uint16(data[58:])
	shnum := int(order.Uint16(data[60:]))
	shstrndx := int(order.Uint16(data[62:]))

	if shnum == 0 {
		return nil, formatErrorf("ELF file has no section header table")
	}
	if shentsize != shdrSize {
		return nil, formatErrorf("invalid ELF section header entry size %d", shentsize)
	}
	end := shoff + uint64(shnum)*shdrSize
	if shoff > uint64(len(data)) || end < shoff || end > uint64(len(data)) {
		return nil, formatErrorf("ELF section header table is out of bounds")
	}
	if shstrndx >= shnum {
		return nil, formatErrorf("invalid ELF section header string table index %d", shstrndx)
	}

	shdr := func(i int) []byte {
		return data[shoff+uint64(i)*shdrSize:]
	}

	strtab, err := sectionData(data, order, shdr(shstrndx))
	if err != nil {
		return nil, err
	}

	f := &File{ByteOrder: order, data: data}
	// Section 0 is the null section.
	for i := 1; i < shnum; i++ {
		h := shdr(i)
		s := Section{
			Type:  elf.SectionType(order.Uint32(h[4:])),
			Flags: elf.SectionFlag(order.Uint64(h[8:])),
			Link:  order.Uint32(h[40:]),
			Info:  order.Uint32(h[44:]),
			Index: i,
		}
		s.Name, err = sectionName(strtab, order.Uint32(h[0:]))
		if err != nil {
			return nil, err
		}
		if s.Type != elf.SHT_NOBITS {
			s.Data, err = sectionData(data, order, h)
			if err != nil {
				return nil, err
			}
		}
		f.sections = append(f.sections, s)
	}
	return f, nil
}

func sectionData(data []byte, order binary.ByteOrder, h []byte) ([]byte, error) {
	if elf.SectionType(order.Uint32(h[4:])) == elf.SHT_NOBITS {
		return nil, nil
	}
	off := order.Uint64(h[24:])
	size := order.Uint64(h[32:])
	end := off + size
	if off > uint64(len(data)) || end < off || end > uint64(len(data)) {
		return nil, formatErrorf("ELF section contents are out of bounds")
	}
	return data[off:end:end], nil
}

func sectionName(strtab []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(strtab)) {
		return "", formatErrorf("ELF section name is out of bounds")
	}
	name := strtab[off:]
	for i, b := range name {
		if b == 0 {
			return string(name[:i]), nil
		}
	}
	return "", formatErrorf("ELF section name is not NUL-terminated")
}

// Rela is one decoded Elf64_Rela record.
type Rela struct {
	Off    uint64
	Info   uint64
	Addend int64
}

// Sym returns the symbol table index of the relocation.
func (r Rela) Sym() uint32 { return uint32(r.Info >> 32) }

// Type returns the relocation type.
func (r Rela) Type() uint32 { return uint32(r.Info) }

// DecodeRela decodes the i'th Elf64_Rela record in rela.
func DecodeRela(order binary.ByteOrder, rela []byte, i int) Rela {
	rec := rela[i*RelaSize:]
	return Rela{
		Off:    order.Uint64(rec[0:]),
		Info:   order.Uint64(rec[8:]),
		Addend: int64(order.Uint64(rec[16:])),
	}
}

// SymValue returns st_value of the i'th Elf64_Sym record in symtab.
func SymValue(order binary.ByteOrder, symtab []byte, i int) uint64 {
	return order.Uint64(symtab[i*SymSize+8:])
}
