// Package elftest synthesizes minimal 64-bit ELF images in memory for
// tests. Only what the debugger's loaders consume is emitted: the ELF
// header, section contents and the section header table.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// Section describes one section of a synthesized ELF image. The section
// header index of the i'th Section passed to Build is i+1; section 0 is
// the null section and .shstrtab is appended last.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Link  uint32
	Info  uint32
	Data  []byte
}

const (
	ehdrSize = 64
	shdrSize = 64
)

// Build assembles a 64-bit ELF image in the given byte order.
func Build(order binary.ByteOrder, sections ...Section) []byte {
	// Section name string table, with .shstrtab itself last.
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[len(sections)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	all := append([]Section{}, sections...)
	all = append(all, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstrtab})

	// Layout: header, section contents, section header table.
	offsets := make([]uint64, len(all))
	off := uint64(ehdrSize)
	for i, s := range all {
		offsets[i] = off
		if s.Type != elf.SHT_NOBITS {
			off += uint64(len(s.Data))
		}
	}
	shoff := off
	total := shoff + uint64(len(all)+1)*shdrSize

	img := make([]byte, total)
	ident := img[:16]
	copy(ident, elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	if order == binary.LittleEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	} else {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	}
	ident[elf.EI_VERSION] = 1

	order.PutUint16(img[16:], uint16(elf.ET_REL))
	order.PutUint16(img[18:], uint16(elf.EM_X86_64))
	order.PutUint32(img[20:], 1)
	order.PutUint64(img[40:], shoff)
	order.PutUint16(img[52:], ehdrSize)
	order.PutUint16(img[58:], shdrSize)
	order.PutUint16(img[60:], uint16(len(all)+1))
	order.PutUint16(img[62:], uint16(len(all))) // .shstrtab

	for i, s := range all {
		if s.Type != elf.SHT_NOBITS {
			copy(img[offsets[i]:], s.Data)
		}
		h := img[shoff+uint64(i+1)*shdrSize:]
		order.PutUint32(h[0:], nameOff[i])
		order.PutUint32(h[4:], uint32(s.Type))
		order.PutUint64(h[8:], uint64(s.Flags))
		order.PutUint64(h[24:], offsets[i])
		order.PutUint64(h[32:], uint64(len(s.Data)))
		order.PutUint32(h[40:], s.Link)
		order.PutUint32(h[44:], s.Info)
	}
	return img
}

// Build32 assembles the header of a 32-bit ELF image, which the loader
// must reject before ever looking at sections.
func Build32() []byte {
	img := make([]byte, ehdrSize)
	copy(img, elf.ELFMAG)
	img[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	img[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	img[elf.EI_VERSION] = 1
	return img
}

// Sym64 appends one Elf64_Sym with the given value to symtab.
func Sym64(order binary.ByteOrder, symtab []byte, value uint64) []byte {
	rec := make([]byte, 24)
	order.PutUint64(rec[8:], value)
	return append(symtab, rec...)
}

// Rela64 appends one Elf64_Rela to rela.
func Rela64(order binary.ByteOrder, rela []byte, off uint64, sym uint32, typ uint32, addend int64) []byte {
	rec := make([]byte, 24)
	order.PutUint64(rec[0:], off)
	order.PutUint64(rec[8:], uint64(sym)<<32|uint64(typ))
	order.PutUint64(rec[16:], uint64(addend))
	return append(rela, rec...)
}
