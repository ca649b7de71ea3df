package dwarfindex

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeffmahoney/drgn/internal/elftest"
)

// relocObject builds an object whose structure name is a .debug_str
// reference that starts out zero and is fixed up by a RELA entry.
func relocObject(order binary.ByteOrder, relocType uint32) (*testObject, uint64) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagCompileUnit), true, dwAtName, dwFormString),
		abbrevDecl(2, uint64(TagStructureType), false, dwAtName, dwFormStrp),
	)
	b := newInfoBuilder(order)
	b.uleb(1).str("a.c")
	b.uleb(2)
	strpOff := uint64(len(b.body)) + 11 // absolute: single CU at offset 0
	b.u32(0).
		uleb(0)
	info := b.cu(4, 0)

	str := []byte("\x00foo\x00")
	symtab := elftest.Sym64(order, nil, 1) // st_value: offset of "foo"
	rela := elftest.Rela64(order, nil, strpOff, 0, relocType, 0)
	return &testObject{
		abbrev:   abbrev,
		info:     info,
		str:      str,
		symtab:   symtab,
		relaInfo: rela,
	}, strpOff
}

func TestRelocationAppliedBeforeIndexing(t *testing.T) {
	obj, _ := relocObject(binary.LittleEndian, uint32(elf.R_X86_64_32))
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.NoError(t, err)
	require.NoError(t, ix.Update())

	results := collect(t, ix.Lookup("foo", TagStructureType))
	require.Len(t, results, 1)
}

func TestApplyRelocation64(t *testing.T) {
	order := binary.LittleEndian
	f := &file{order: order}
	target := make([]byte, 16)
	f.sections[sectionDebugInfo] = target
	f.sections[sectionSymtab] = elftest.Sym64(order, nil, 0x1234)
	f.relaSections[sectionDebugInfo] = elftest.Rela64(order, nil, 8, 0, uint32(elf.R_X86_64_64), 0x10)

	require.NoError(t, applyRelocation(f, sectionDebugInfo, 0))
	require.Equal(t, uint64(0x1244), order.Uint64(target[8:]))
}

func TestRelocationNoneIsNoOp(t *testing.T) {
	obj, _ := relocObject(binary.LittleEndian, uint32(elf.R_X86_64_NONE))
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.NoError(t, err)
	require.NoError(t, ix.Update())

	// The strp still points at offset 0: the empty string.
	require.Empty(t, collect(t, ix.Lookup("foo")))
	require.Len(t, collect(t, ix.Lookup("")), 1)
}

func TestRelocationAddend(t *testing.T) {
	order := binary.LittleEndian
	obj, strpOff := relocObject(order, uint32(elf.R_X86_64_32))
	// st_value 1 plus addend 0 in relocObject; rebuild the entry with
	// st_value 0 and addend 1 instead.
	obj.symtab = elftest.Sym64(order, nil, 0)
	obj.relaInfo = elftest.Rela64(order, nil, strpOff, 0, uint32(elf.R_X86_64_32), 1)

	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(order)))
	require.NoError(t, err)
	require.NoError(t, ix.Update())
	require.Len(t, collect(t, ix.Lookup("foo")), 1)
}

func TestRelocationUnknownTypeFails(t *testing.T) {
	obj, _ := relocObject(binary.LittleEndian, 42)
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.NoError(t, err)
	err = ix.Update()
	require.Equal(t, KindELFFormat, ErrKind(err))
}

func TestRelocationInvalidSymbolFails(t *testing.T) {
	obj, strpOff := relocObject(binary.LittleEndian, uint32(elf.R_X86_64_32))
	obj.relaInfo = elftest.Rela64(binary.LittleEndian, nil, strpOff, 99, uint32(elf.R_X86_64_32), 0)
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.NoError(t, err)
	err = ix.Update()
	require.Equal(t, KindELFFormat, ErrKind(err))
}

func TestRelocationInvalidOffsetFails(t *testing.T) {
	obj, _ := relocObject(binary.LittleEndian, uint32(elf.R_X86_64_32))
	obj.relaInfo = elftest.Rela64(binary.LittleEndian, nil, 1<<40, 0, uint32(elf.R_X86_64_32), 0)
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.NoError(t, err)
	err = ix.Update()
	require.Equal(t, KindELFFormat, ErrKind(err))
}

func TestRelocationWithoutSymtabFails(t *testing.T) {
	obj, _ := relocObject(binary.LittleEndian, uint32(elf.R_X86_64_32))
	obj.symtab = nil
	// Keep the RELA section but drop .symtab: section registration
	// must fail.
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a.o", obj.build(binary.LittleEndian)))
	require.Equal(t, KindELFFormat, ErrKind(err))
}

func TestThirtyTwoBitELFFails(t *testing.T) {
	ix := newTestIndex(t, IndexTypes)
	_, err := ix.Open(writeObject(t, "a32.o", elftest.Build32()))
	require.Equal(t, KindELFFormat, ErrKind(err))
}
