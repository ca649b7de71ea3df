package dwarfindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func compileForTest(t *testing.T, flags Flags, is64 bool, addrSize uint8, abbrev []byte) (abbrevTable, error) {
	t.Helper()
	ix, err := New(flags)
	require.NoError(t, err)
	cu := &compilationUnit{
		file:        &file{},
		version:     4,
		addressSize: addrSize,
		is64:        is64,
	}
	return ix.compileAbbrevTable(cu, abbrev)
}

func TestCompileMergesSkips(t *testing.T) {
	// Three fixed-size attributes the indexer does not care about
	// coalesce into a single skip instruction.
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagSubprogram), false,
			0x49, dwFormData1, // DW_AT_type
			0x3b, dwFormData2, // DW_AT_decl_line
			0x3f, dwFormData4, // DW_AT_external
		),
	)
	table, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, table.decls)
	require.Equal(t, []byte{7, 0, 0}, table.insns)
}

func TestCompileSkipCeiling(t *testing.T) {
	// Thirty 8-byte attributes: 240 raw bytes, which must split at the
	// 229-byte ceiling.
	attrs := make([]uint64, 0, 60)
	for i := 0; i < 30; i++ {
		attrs = append(attrs, 0x49, dwFormData8)
	}
	abbrev := abbrevSection(abbrevDecl(1, uint64(TagSubprogram), false, attrs...))
	table, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{insnMaxSkip, 11, 0, 0}, table.insns)
}

func TestCompileIndexedAttributes(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagStructureType), true,
			dwAtSibling, dwFormRef4,
			dwAtName, dwFormStrp,
			dwAtDeclFile, dwFormData1,
			0x0b, dwFormData1, // DW_AT_byte_size
		),
	)
	table, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{
		attribSiblingRef4,
		attribNameStrp4,
		attribDeclFileData1,
		1,
		0,
		uint8(TagStructureType) | tagFlagChildren,
	}, table.insns)
}

func TestCompileUninterestingTagSkipsEverything(t *testing.T) {
	// Variables are not indexed here, so name and decl_file compile to
	// plain skips and the flag byte carries no tag.
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagVariable), false,
			dwAtName, dwFormStrp,
			dwAtDeclFile, dwFormData1,
		),
	)
	table, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0}, table.insns)
}

func TestCompileEnumSiblingSuppression(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagEnumerationType), true,
			dwAtSibling, dwFormRef4,
			dwAtName, dwFormString,
		),
	)

	// Indexing enumerators: the scanner must descend into the
	// enumeration, so the sibling compiles to a plain 4-byte skip.
	table, err := compileForTest(t, IndexEnumerators, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{
		4,
		attribString,
		0,
		uint8(TagEnumerationType) | tagFlagChildren,
	}, table.insns)

	// Indexing only types: the sibling instruction is kept and the
	// name is recorded for the enum itself.
	table, err = compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{
		attribSiblingRef4,
		attribNameString,
		0,
		uint8(TagEnumerationType) | tagFlagChildren,
	}, table.insns)
}

func TestCompileDeclarationFlag(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagStructureType), false,
			dwAtName, dwFormString,
			dwAtDeclaration, dwFormFlagPresent,
		),
	)
	table, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	// flag_present consumes no bytes.
	require.Equal(t, []byte{
		attribNameString,
		0,
		uint8(TagStructureType) | tagFlagDeclaration,
	}, table.insns)

	// DW_FORM_flag carries a value byte that must be skipped.
	abbrev = abbrevSection(
		abbrevDecl(1, uint64(TagStructureType), false,
			dwAtDeclaration, dwFormFlag,
		),
	)
	table, err = compileForTest(t, IndexTypes, false, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{
		1,
		0,
		uint8(TagStructureType) | tagFlagDeclaration,
	}, table.insns)
}

func TestCompileAddrAndOffsetSizes(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagSubprogram), false,
			0x11, dwFormAddr, // DW_AT_low_pc
			0x12, dwFormSecOffset, // DW_AT_high_pc (as offset)
		),
	)

	table, err := compileForTest(t, IndexTypes, false, 4, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{8, 0, 0}, table.insns) // 4 + 4

	table, err = compileForTest(t, IndexTypes, true, 8, abbrev)
	require.NoError(t, err)
	require.Equal(t, []byte{16, 0, 0}, table.insns) // 8 + 8
}

func TestCompileRejectsIndirect(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagVariable), false, dwAtName, dwFormIndirect),
	)
	_, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.Equal(t, KindDWARFFormat, ErrKind(err))
}

func TestCompileRejectsUnknownForm(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagVariable), false, dwAtName, 0x7f),
	)
	_, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.Equal(t, KindDWARFFormat, ErrKind(err))
}

func TestCompileRejectsNonSequentialCodes(t *testing.T) {
	abbrev := abbrevSection(
		abbrevDecl(1, uint64(TagCompileUnit), true),
		abbrevDecl(3, uint64(TagStructureType), false),
	)
	_, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.Equal(t, KindDWARFFormat, ErrKind(err))
}

func TestCompileTruncatedTable(t *testing.T) {
	abbrev := abbrevDecl(1, uint64(TagCompileUnit), true) // no terminator
	_, err := compileForTest(t, IndexTypes, false, 8, abbrev)
	require.Equal(t, KindTruncated, ErrKind(err))
}
