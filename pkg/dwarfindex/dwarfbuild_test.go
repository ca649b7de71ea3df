package dwarfindex

// Test helpers that synthesize DWARF sections byte by byte. The emitted
// data is small but well-formed, so it is also accepted by debug/dwarf
// when the iterator materialises entries.

import (
	"debug/elf"
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/jeffmahoney/drgn/internal/elftest"
)

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func cat(chunks ...[]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// abbrevDecl emits one abbreviation declaration. attrs are (name, form)
// pairs.
func abbrevDecl(code, tag uint64, children bool, attrs ...uint64) []byte {
	b := uleb(code)
	b = append(b, uleb(tag)...)
	if children {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	for i := 0; i < len(attrs); i += 2 {
		b = append(b, uleb(attrs[i])...)
		b = append(b, uleb(attrs[i+1])...)
	}
	return append(b, 0, 0)
}

// abbrevSection terminates a sequence of declarations.
func abbrevSection(decls ...[]byte) []byte {
	return append(cat(decls...), 0)
}

// infoBuilder accumulates the body of one DWARF32 version 4 CU.
type infoBuilder struct {
	order binary.ByteOrder
	body  []byte
}

func newInfoBuilder(order binary.ByteOrder) *infoBuilder {
	return &infoBuilder{order: order}
}

// off returns the CU-relative offset of the next emitted byte.
func (b *infoBuilder) off() uint64 { return uint64(len(b.body)) + 11 }

func (b *infoBuilder) uleb(v uint64) *infoBuilder {
	b.body = append(b.body, uleb(v)...)
	return b
}

func (b *infoBuilder) str(s string) *infoBuilder {
	b.body = append(b.body, s...)
	b.body = append(b.body, 0)
	return b
}

func (b *infoBuilder) u8(v uint8) *infoBuilder {
	b.body = append(b.body, v)
	return b
}

func (b *infoBuilder) u32(v uint32) *infoBuilder {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.body = append(b.body, tmp[:]...)
	return b
}

// cu prepends the CU header and returns the finished .debug_info
// contents.
func (b *infoBuilder) cu(version uint16, abbrevOff uint32) []byte {
	hdr := make([]byte, 11)
	b.order.PutUint32(hdr[0:], uint32(7+len(b.body)))
	b.order.PutUint16(hdr[4:], version)
	b.order.PutUint32(hdr[6:], abbrevOff)
	hdr[10] = 8 // address size
	return append(hdr, b.body...)
}

type lineFile struct {
	name string
	dir  uint64
}

// lineProgram emits a line number program header with the given
// directory and file tables.
func lineProgram(order binary.ByteOrder, version uint16, dirs []string, files []lineFile) []byte {
	var body []byte
	u16 := func(v uint16) {
		var tmp [2]byte
		order.PutUint16(tmp[:], v)
		body = append(body, tmp[:]...)
	}
	u32 := func(v uint32) {
		var tmp [4]byte
		order.PutUint32(tmp[:], v)
		body = append(body, tmp[:]...)
	}

	u16(version)
	u32(0) // header_length, unused by the table builder
	body = append(body, 1) // minimum_instruction_length
	if version >= 4 {
		body = append(body, 1) // maximum_operations_per_instruction
	}
	body = append(body, 1)    // default_is_stmt
	body = append(body, 0xfb) // line_base
	body = append(body, 14)   // line_range
	body = append(body, 1)    // opcode_base, no standard opcodes
	for _, d := range dirs {
		body = append(body, d...)
		body = append(body, 0)
	}
	body = append(body, 0)
	for _, f := range files {
		body = append(body, f.name...)
		body = append(body, 0)
		body = append(body, uleb(f.dir)...)
		body = append(body, 0, 0) // mtime, size
	}
	body = append(body, 0)

	hdr := make([]byte, 4)
	order.PutUint32(hdr, uint32(len(body)))
	return append(hdr, body...)
}

// fileDigest computes the expected digest for a file under a directory
// path, per the canonicalisation the index applies.
func fileDigest(dir, name string) uint64 {
	h := siphash.New(make([]byte, 16))
	h.Write(directoryStream([]byte(dir)))
	h.Write([]byte(name))
	return h.Sum64()
}

// testObject is the raw material for one synthesized ELF file.
type testObject struct {
	abbrev []byte
	info   []byte
	str    []byte
	line   []byte
	symtab []byte
	// relaInfo relocates .debug_info.
	relaInfo []byte
	// omitInfo leaves out the .debug_info section entirely.
	omitInfo bool
}

// build assembles the object into an ELF image.
func (o *testObject) build(order binary.ByteOrder) []byte {
	str := o.str
	if str == nil {
		str = []byte{0}
	}
	infoName := ".debug_info"
	if o.omitInfo {
		infoName = ".not_debug_info"
	}
	sections := []elftest.Section{
		{Name: ".debug_abbrev", Type: elf.SHT_PROGBITS, Data: o.abbrev}, // index 1
		{Name: infoName, Type: elf.SHT_PROGBITS, Data: o.info},          // index 2
		{Name: ".debug_str", Type: elf.SHT_PROGBITS, Data: str},         // index 3
	}
	if o.line != nil {
		sections = append(sections, elftest.Section{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: o.line})
	}
	if o.symtab != nil {
		sections = append(sections, elftest.Section{Name: ".symtab", Type: elf.SHT_SYMTAB, Data: o.symtab})
	}
	if o.relaInfo != nil {
		sections = append(sections, elftest.Section{
			Name: ".rela.debug_info",
			Type: elf.SHT_RELA,
			Link: uint32(len(sections)), // .symtab, appended just above
			Info: 2,                     // .debug_info
			Data: o.relaInfo,
		})
	}
	return elftest.Build(order, sections...)
}

// structObject builds an object defining one named structure type
// declared in dir/name.
func structObject(order binary.ByteOrder, structName, dir, name string) *testObject {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagCompileUnit), true,
			dwAtName, dwFormString,
			dwAtStmtList, dwFormData4),
		abbrevDecl(2, uint64(TagStructureType), false,
			dwAtName, dwFormString,
			dwAtDeclFile, dwFormData1),
	)
	info := newInfoBuilder(order).
		uleb(1).str(name).u32(0). // compile unit
		uleb(2).str(structName).u8(1). // the structure
		uleb(0).
		cu(4, 0)
	return &testObject{
		abbrev: abbrev,
		info:   info,
		line:   lineProgram(order, 2, []string{dir}, []lineFile{{name: name, dir: 1}}),
	}
}
