package dwarfindex

import (
	"encoding/binary"

	"github.com/jeffmahoney/drgn/internal/buf"
)

// The DWARF abbreviation table is compiled into a stream of instructions.
// An instruction <= insnMaxSkip is a number of raw bytes to skip. The
// instructions that follow designate attributes whose parsing needs work.
// Every per-DIE stream is terminated by a zero byte followed by a bitmask
// of tagFlag* bits combined with the DWARF tag (zero if the tag is not of
// interest).
const (
	insnMaxSkip = 229

	attribBlock1 = iota + insnMaxSkip // 230
	attribBlock2
	attribBlock4
	attribExprloc
	attribLEB128
	attribString
	attribSiblingRef1
	attribSiblingRef2
	attribSiblingRef4
	attribSiblingRef8
	attribSiblingRefUdata
	attribNameStrp4
	attribNameStrp8
	attribNameString
	attribStmtListLineptr4
	attribStmtListLineptr8
	attribDeclFileData1
	attribDeclFileData2
	attribDeclFileData4
	attribDeclFileData8
	attribDeclFileUdata
	attribSpecificationRef1
	attribSpecificationRef2
	attribSpecificationRef4
	attribSpecificationRef8
	attribSpecificationRefUdata
)

const (
	// Number of bits used by the tags the index cares about.
	tagBits = 6
	tagMask = 1<<tagBits - 1
	// The remaining flag-byte bits.
	tagFlagDeclaration = 0x40
	tagFlagChildren    = 0x80
)

// abbrevTable is a compiled abbreviation table. decls maps the DWARF
// abbreviation code minus one to an offset in insns where that code's
// instruction stream begins. Codes are required to be sequential from one,
// which GCC always produces.
type abbrevTable struct {
	decls []uint32
	insns []byte
}

// compileAbbrevTable translates the abbreviation table for cu, starting at
// data, into the instruction stream interpreted by the DIE scanner.
func (ix *Index) compileAbbrevTable(cu *compilationUnit, data []byte) (abbrevTable, error) {
	var table abbrevTable
	r := buf.NewReader(data, binary.LittleEndian)
	for {
		done, err := ix.compileAbbrevDecl(cu, r, &table)
		if err != nil {
			return abbrevTable{}, err
		}
		if done {
			return table, nil
		}
	}
}

func (ix *Index) compileAbbrevDecl(cu *compilationUnit, r *buf.Reader, table *abbrevTable) (bool, error) {
	code, err := r.ULEB128()
	if err != nil {
		return false, wrapRead(err)
	}
	if code == 0 {
		return true, nil
	}
	if code != uint64(len(table.decls))+1 {
		return false, errorf(KindDWARFFormat, "DWARF abbreviation table is not sequential")
	}
	table.decls = append(table.decls, uint32(len(table.insns)))

	rawTag, err := r.ULEB128()
	if err != nil {
		return false, wrapRead(err)
	}
	tag := Tag(rawTag)

	shouldIndex := (ix.flags&IndexTypes != 0 && isTypeTag(tag)) ||
		(ix.flags&IndexVariables != 0 && tag == TagVariable) ||
		(ix.flags&IndexEnumerators != 0 && tag == TagEnumerator) ||
		(ix.flags&IndexFunctions != 0 && tag == TagSubprogram)

	var dieFlags uint8
	if shouldIndex || tag == TagCompileUnit ||
		(ix.flags&IndexEnumerators != 0 && tag == TagEnumerationType) {
		dieFlags = uint8(tag)
	}

	children, err := r.U8()
	if err != nil {
		return false, wrapRead(err)
	}
	if children != 0 {
		dieFlags |= tagFlagChildren
	}

	first := true
	for {
		name, err := r.ULEB128()
		if err != nil {
			return false, wrapRead(err)
		}
		form, err := r.ULEB128()
		if err != nil {
			return false, wrapRead(err)
		}
		if name == 0 && form == 0 {
			break
		}

		insn, parse, ok := compileAttrib(ix.flags, cu, tag, shouldIndex, name, form)
		if !ok {
			if name == dwAtDeclaration {
				// In practice GCC always uses DW_FORM_flag_present, but
				// DW_FORM_flag shows up in older output; either way the
				// value bytes fall through to the generic skip below.
				dieFlags |= tagFlagDeclaration
			}
			switch form {
			case dwFormFlagPresent:
				continue
			case dwFormIndirect:
				return false, errorf(KindDWARFFormat, "DW_FORM_indirect is not implemented")
			}
			insn, parse, ok = skipInsn(cu, form)
			if !ok {
				return false, errorf(KindDWARFFormat, "unknown attribute form %d", form)
			}
		}

		if !parse {
			// Merge raw skips into the preceding skip instruction, up
			// to the insnMaxSkip ceiling.
			if !first && int(table.insns[len(table.insns)-1]) < insnMaxSkip {
				prev := uint16(table.insns[len(table.insns)-1])
				if prev+uint16(insn) <= insnMaxSkip {
					table.insns[len(table.insns)-1] = uint8(prev + uint16(insn))
					continue
				}
				insn = uint8(prev + uint16(insn) - insnMaxSkip)
				table.insns[len(table.insns)-1] = insnMaxSkip
			}
		}
		first = false
		table.insns = append(table.insns, insn)
	}

	table.insns = append(table.insns, 0, dieFlags)
	return false, nil
}

// compileAttrib returns the parse instruction for attributes the scanner
// must interpret. ok is false when the attribute falls through to the
// generic form handling.
func compileAttrib(flags Flags, cu *compilationUnit, tag Tag, shouldIndex bool, name, form uint64) (insn uint8, parse, ok bool) {
	switch {
	case name == dwAtSibling &&
		!(flags&IndexEnumerators != 0 && tag == TagEnumerationType):
		// When indexing enumerators the scanner must descend into
		// DW_TAG_enumeration_type to find the DW_TAG_enumerator children
		// instead of skipping to the sibling DIE, so no sibling
		// instruction is compiled for it.
		switch form {
		case dwFormRef1:
			return attribSiblingRef1, true, true
		case dwFormRef2:
			return attribSiblingRef2, true, true
		case dwFormRef4:
			return attribSiblingRef4, true, true
		case dwFormRef8:
			return attribSiblingRef8, true, true
		case dwFormRefUdata:
			return attribSiblingRefUdata, true, true
		}
	case name == dwAtName && shouldIndex:
		switch form {
		case dwFormStrp:
			if cu.is64 {
				return attribNameStrp8, true, true
			}
			return attribNameStrp4, true, true
		case dwFormString:
			return attribNameString, true, true
		}
	case name == dwAtStmtList && tag == TagCompileUnit &&
		cu.file.sections[sectionDebugLine] != nil:
		switch form {
		case dwFormData4:
			return attribStmtListLineptr4, true, true
		case dwFormData8:
			return attribStmtListLineptr8, true, true
		case dwFormSecOffset:
			if cu.is64 {
				return attribStmtListLineptr8, true, true
			}
			return attribStmtListLineptr4, true, true
		}
	case name == dwAtDeclFile && shouldIndex:
		switch form {
		case dwFormData1:
			return attribDeclFileData1, true, true
		case dwFormData2:
			return attribDeclFileData2, true, true
		case dwFormData4:
			return attribDeclFileData4, true, true
		case dwFormData8:
			return attribDeclFileData8, true, true
		case dwFormSdata, dwFormUdata:
			// decl_file must be positive, so sdata is read as udata.
			return attribDeclFileUdata, true, true
		}
	case name == dwAtSpecification && shouldIndex:
		switch form {
		case dwFormRef1:
			return attribSpecificationRef1, true, true
		case dwFormRef2:
			return attribSpecificationRef2, true, true
		case dwFormRef4:
			return attribSpecificationRef4, true, true
		case dwFormRef8:
			return attribSpecificationRef8, true, true
		case dwFormRefUdata:
			return attribSpecificationRefUdata, true, true
		}
	}
	return 0, false, false
}

// skipInsn returns the generic skip instruction for a form. ok is false
// for unknown forms.
func skipInsn(cu *compilationUnit, form uint64) (insn uint8, parse, ok bool) {
	switch form {
	case dwFormAddr:
		return cu.addressSize, false, true
	case dwFormData1, dwFormRef1, dwFormFlag:
		return 1, false, true
	case dwFormData2, dwFormRef2:
		return 2, false, true
	case dwFormData4, dwFormRef4:
		return 4, false, true
	case dwFormData8, dwFormRef8, dwFormRefSig8:
		// DW_FORM_ref_sig8 is skipped with no semantic action;
		// type-unit cross-references are not resolved.
		return 8, false, true
	case dwFormBlock1:
		return attribBlock1, true, true
	case dwFormBlock2:
		return attribBlock2, true, true
	case dwFormBlock4:
		return attribBlock4, true, true
	case dwFormExprloc:
		return attribExprloc, true, true
	case dwFormSdata, dwFormUdata, dwFormRefUdata:
		return attribLEB128, true, true
	case dwFormRefAddr, dwFormSecOffset, dwFormStrp:
		if cu.is64 {
			return 8, false, true
		}
		return 4, false, true
	case dwFormString:
		return attribString, true, true
	default:
		return 0, false, false
	}
}
