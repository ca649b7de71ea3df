package dwarfindex

import (
	"github.com/dchest/siphash"

	"github.com/jeffmahoney/drgn/internal/buf"
	"github.com/jeffmahoney/drgn/internal/pathiter"
)

// Hash flooding is not a concern here, so the SipHash key is fixed at
// zero.
var sipKey = make([]byte, 16)

// fileNameTable maps a CU's 1-based DWARF file index to a 64-bit digest
// of the file's canonical path. Index 0 means "no file".
type fileNameTable struct {
	hashes []uint64
}

// skipLNPHeader advances r past the line number program header up to the
// include_directories field.
func skipLNPHeader(r *buf.Reader) error {
	length, err := r.U32()
	if err != nil {
		return errTruncated()
	}
	is64 := length == 0xffffffff
	if is64 {
		if err := r.Skip(8); err != nil {
			return errTruncated()
		}
	}

	version, err := r.U16()
	if err != nil {
		return errTruncated()
	}
	if version != 2 && version != 3 && version != 4 {
		return errorf(KindDWARFFormat, "unknown DWARF LNP version %d", version)
	}

	// header_length
	// minimum_instruction_length
	// maximum_operations_per_instruction (DWARF 4 only)
	// default_is_stmt
	// line_base
	// line_range
	skip := uint64(4 + 4)
	if is64 {
		skip += 4
	}
	if version >= 4 {
		skip++
	}
	if err := r.Skip(skip); err != nil {
		return errTruncated()
	}

	opcodeBase, err := r.U8()
	if err != nil {
		return errTruncated()
	}
	// standard_opcode_lengths
	if opcodeBase > 0 {
		if err := r.Skip(uint64(opcodeBase) - 1); err != nil {
			return errTruncated()
		}
	}
	return nil
}

// directoryStream returns the canonical byte stream hashed for a
// directory: path components in reverse order, each terminated by a
// slash. For absolute paths the root contributes a bare slash, so
// absolute and relative paths never digest alike.
func directoryStream(path []byte) []byte {
	stream := make([]byte, 0, len(path)+2)
	it := pathiter.New(string(path))
	for {
		component, ok := it.Next()
		if !ok {
			return stream
		}
		stream = append(stream, component...)
		stream = append(stream, '/')
	}
}

// readFileNameTable parses the header of the line number program at
// stmtList in f's .debug_line and builds the CU's file digest table.
func (f *file) readFileNameTable(stmtList uint64) (fileNameTable, error) {
	debugLine := f.sections[sectionDebugLine]
	if stmtList > uint64(len(debugLine)) {
		return fileNameTable{}, errTruncated()
	}
	r := buf.NewReader(debugLine, f.order)
	if err := r.SeekTo(int(stmtList)); err != nil {
		return fileNameTable{}, errTruncated()
	}
	if err := skipLNPHeader(r); err != nil {
		return fileNameTable{}, err
	}

	var directories [][]byte
	for {
		path, err := r.CString()
		if err != nil {
			return fileNameTable{}, errTruncated()
		}
		if len(path) == 0 {
			break
		}
		directories = append(directories, directoryStream(path))
	}

	var table fileNameTable
	for {
		path, err := r.CString()
		if err != nil {
			return fileNameTable{}, errTruncated()
		}
		if len(path) == 0 {
			break
		}

		directoryIndex, err := r.ULEB128()
		if err != nil {
			return fileNameTable{}, wrapRead(err)
		}
		// mtime, size
		if err := r.SkipLEB128(); err != nil {
			return fileNameTable{}, errTruncated()
		}
		if err := r.SkipLEB128(); err != nil {
			return fileNameTable{}, errTruncated()
		}

		if directoryIndex > uint64(len(directories)) {
			return fileNameTable{}, errorf(KindDWARFFormat, "directory index %d is invalid", directoryIndex)
		}

		h := siphash.New(sipKey)
		if directoryIndex > 0 {
			h.Write(directories[directoryIndex-1])
		}
		h.Write(path)
		table.hashes = append(table.hashes, h.Sum64())
	}
	return table, nil
}
