package dwarfindex

import (
	"github.com/jeffmahoney/drgn/internal/buf"
)

const noStmtList = ^uint64(0)

// dieScratch collects the attributes the scanner recognises while
// interpreting a DIE's instruction stream.
type dieScratch struct {
	// sibling and specification are offsets relative to the CU header,
	// zero when absent. Offset zero is the CU header itself, which can
	// never be a valid DIE target.
	sibling       uint64
	specification uint64
	// name views the bytes of the DIE name in .debug_str or inline in
	// .debug_info.
	name     []byte
	stmtList uint64
	declFile uint64
	flags    uint8
}

// readDIE interprets one DIE's instruction stream at the reader's
// position. It reports done=true for a null entry (end of children).
func readDIE(cu *compilationUnit, table *abbrevTable, r *buf.Reader, debugStr []byte, die *dieScratch) (done bool, err error) {
	code, err := r.ULEB128()
	if err != nil {
		return false, wrapRead(err)
	}
	if code == 0 {
		return true, nil
	}
	if code > uint64(len(table.decls)) {
		return false, errorf(KindDWARFFormat, "unknown abbreviation code %d", code)
	}
	insns := table.insns[table.decls[code-1]:]

	cuSize := cu.size()
	ip := 0
	for {
		insn := insns[ip]
		ip++
		if insn == 0 {
			break
		}

		var skip, tmp uint64
		switch insn {
		case attribBlock1:
			n, err := r.U8()
			if err != nil {
				return false, errTruncated()
			}
			skip = uint64(n)
		case attribBlock2:
			n, err := r.U16()
			if err != nil {
				return false, errTruncated()
			}
			skip = uint64(n)
		case attribBlock4:
			n, err := r.U32()
			if err != nil {
				return false, errTruncated()
			}
			skip = uint64(n)
		case attribExprloc:
			if skip, err = r.ULEB128(); err != nil {
				return false, wrapRead(err)
			}
		case attribLEB128:
			if err := r.SkipLEB128(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribNameString:
			if die.name, err = r.CString(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribString:
			if err := r.SkipCString(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribSiblingRef1, attribSiblingRef2, attribSiblingRef4,
			attribSiblingRef8, attribSiblingRefUdata:
			if tmp, err = readRef(r, insn-attribSiblingRef1); err != nil {
				return false, err
			}
			if tmp > cuSize {
				return false, errTruncated()
			}
			die.sibling = tmp
			continue
		case attribNameStrp4:
			if tmp, err = r.U32AsU64(); err != nil {
				return false, errTruncated()
			}
			if err := readStrp(debugStr, tmp, die); err != nil {
				return false, err
			}
			continue
		case attribNameStrp8:
			if tmp, err = r.U64(); err != nil {
				return false, errTruncated()
			}
			if err := readStrp(debugStr, tmp, die); err != nil {
				return false, err
			}
			continue
		case attribStmtListLineptr4:
			if die.stmtList, err = r.U32AsU64(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribStmtListLineptr8:
			if die.stmtList, err = r.U64(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribDeclFileData1:
			n, err := r.U8()
			if err != nil {
				return false, errTruncated()
			}
			die.declFile = uint64(n)
			continue
		case attribDeclFileData2:
			n, err := r.U16()
			if err != nil {
				return false, errTruncated()
			}
			die.declFile = uint64(n)
			continue
		case attribDeclFileData4:
			if die.declFile, err = r.U32AsU64(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribDeclFileData8:
			if die.declFile, err = r.U64(); err != nil {
				return false, errTruncated()
			}
			continue
		case attribDeclFileUdata:
			if die.declFile, err = r.ULEB128(); err != nil {
				return false, wrapRead(err)
			}
			continue
		case attribSpecificationRef1, attribSpecificationRef2,
			attribSpecificationRef4, attribSpecificationRef8,
			attribSpecificationRefUdata:
			if tmp, err = readRef(r, insn-attribSpecificationRef1); err != nil {
				return false, err
			}
			if tmp > cuSize {
				return false, errTruncated()
			}
			die.specification = tmp
			continue
		default:
			skip = uint64(insn)
		}
		if err := r.Skip(skip); err != nil {
			return false, errTruncated()
		}
	}

	die.flags = insns[ip]
	return false, nil
}

// readRef reads a reference value by width selector: 0, 1, 2, 3 for 1, 2,
// 4, 8 fixed bytes and 4 for ULEB128.
func readRef(r *buf.Reader, width uint8) (uint64, error) {
	switch width {
	case 0:
		v, err := r.U8()
		if err != nil {
			return 0, errTruncated()
		}
		return uint64(v), nil
	case 1:
		v, err := r.U16()
		if err != nil {
			return 0, errTruncated()
		}
		return uint64(v), nil
	case 2:
		v, err := r.U32AsU64()
		if err != nil {
			return 0, errTruncated()
		}
		return v, nil
	case 3:
		v, err := r.U64()
		if err != nil {
			return 0, errTruncated()
		}
		return v, nil
	default:
		v, err := r.ULEB128()
		if err != nil {
			return 0, wrapRead(err)
		}
		return v, nil
	}
}

func readStrp(debugStr []byte, off uint64, die *dieScratch) error {
	if off >= uint64(len(debugStr)) {
		return errTruncated()
	}
	s := debugStr[off:]
	for i, b := range s {
		if b == 0 {
			die.name = s[:i]
			return nil
		}
	}
	// Unreachable when .debug_str is NUL-terminated, which Update
	// validates up front.
	return errTruncated()
}

// indexCU compiles the CU's abbreviation table, builds its file digest
// table, and walks its DIE tree, inserting every indexable named DIE.
func (ix *Index) indexCU(cu *compilationUnit) error {
	f := cu.file

	debugAbbrev := f.sections[sectionDebugAbbrev]
	if cu.abbrevOffset > uint64(len(debugAbbrev)) {
		return errTruncated()
	}
	table, err := ix.compileAbbrevTable(cu, debugAbbrev[cu.abbrevOffset:])
	if err != nil {
		return err
	}

	debugInfo := f.sections[sectionDebugInfo]
	debugStr := f.sections[sectionDebugStr]
	cuEnd := cu.off + cu.size()
	r := buf.NewReader(debugInfo[:cuEnd], f.order)
	if err := r.SeekTo(int(cu.off + cu.headerSize())); err != nil {
		return errTruncated()
	}

	var fnt fileNameTable
	depth := 0
	var enumDIEOffset uint64

	for {
		die := dieScratch{stmtList: noStmtList}
		dieOffset := uint64(r.Offset())

		done, err := readDIE(cu, &table, r, debugStr, &die)
		if err != nil {
			return err
		}
		if done {
			depth--
			if depth == 1 {
				enumDIEOffset = 0
			} else if depth == 0 {
				break
			}
			continue
		}

		tag := Tag(die.flags & tagMask)
		if tag == TagCompileUnit {
			if depth == 0 && die.stmtList != noStmtList {
				if fnt, err = f.readFileNameTable(die.stmtList); err != nil {
					return err
				}
			}
		} else if tag != 0 && die.flags&tagFlagDeclaration == 0 {
			indexable := true
			switch {
			case depth == 1 && tag == TagEnumerationType:
				enumDIEOffset = dieOffset
			case depth == 2 && tag == TagEnumerator && enumDIEOffset != 0:
				// Enumerators are indexed under the enclosing
				// enumeration DIE so that a lookup by enumerator name
				// resolves to the enum type.
				dieOffset = enumDIEOffset
			case depth != 1:
				indexable = false
			}

			if indexable {
				if err := resolveSpecification(cu, &table, r, debugStr, &die); err != nil {
					return err
				}
				if die.name != nil {
					if die.declFile > uint64(len(fnt.hashes)) {
						return errorf(KindDWARFFormat, "invalid DW_AT_decl_file %d", die.declFile)
					}
					var fileNameHash uint64
					if die.declFile != 0 {
						fileNameHash = fnt.hashes[die.declFile-1]
					}
					ix.insert(string(die.name), tag, fileNameHash, f, dieOffset)
				}
			}
		}

		if die.flags&tagFlagChildren != 0 {
			if die.sibling != 0 {
				if err := r.SeekTo(int(cu.off + die.sibling)); err != nil {
					return errTruncated()
				}
			} else {
				depth++
			}
		} else if depth == 0 {
			break
		}
	}
	return nil
}

// resolveSpecification follows DW_AT_specification to fill in a missing
// name or decl_file from the referenced declaration DIE.
func resolveSpecification(cu *compilationUnit, table *abbrevTable, r *buf.Reader, debugStr []byte, die *dieScratch) error {
	if die.specification == 0 || (die.name != nil && die.declFile != 0) {
		return nil
	}
	decl := dieScratch{stmtList: noStmtList}
	r2 := buf.NewReader(r.Data(), r.Order())
	if err := r2.SeekTo(int(cu.off + die.specification)); err != nil {
		return errTruncated()
	}
	if _, err := readDIE(cu, table, r2, debugStr, &decl); err != nil {
		return err
	}
	if die.name == nil && decl.name != nil {
		die.name = decl.name
	}
	if die.declFile == 0 && decl.declFile != 0 {
		die.declFile = decl.declFile
	}
	return nil
}
