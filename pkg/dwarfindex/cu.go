package dwarfindex

import (
	"github.com/jeffmahoney/drgn/internal/buf"
)

// compilationUnit describes one CU in a file's .debug_info. It is built
// during Update and discarded once the CU has been indexed.
type compilationUnit struct {
	file *file
	// off is the offset of the CU header within .debug_info.
	off          uint64
	unitLength   uint64
	version      uint16
	abbrevOffset uint64
	addressSize  uint8
	is64         bool
}

// headerSize returns the size of the CU header.
func (cu *compilationUnit) headerSize() uint64 {
	if cu.is64 {
		return 23
	}
	return 11
}

// size returns the total size of the CU, including the initial length.
func (cu *compilationUnit) size() uint64 {
	if cu.is64 {
		return 12 + cu.unitLength
	}
	return 4 + cu.unitLength
}

// readCUHeader parses the CU header at the reader's position. Only the
// header is validated here; the DIE scanner validates the contents.
func readCUHeader(r *buf.Reader, cu *compilationUnit) error {
	length, err := r.U32()
	if err != nil {
		return errTruncated()
	}
	cu.is64 = length == 0xffffffff
	if cu.is64 {
		if cu.unitLength, err = r.U64(); err != nil {
			return errTruncated()
		}
	} else {
		cu.unitLength = uint64(length)
	}

	if cu.version, err = r.U16(); err != nil {
		return errTruncated()
	}
	if cu.version != 2 && cu.version != 3 && cu.version != 4 {
		return errorf(KindDWARFFormat, "unknown DWARF CU version %d", cu.version)
	}

	if cu.is64 {
		cu.abbrevOffset, err = r.U64()
	} else {
		cu.abbrevOffset, err = r.U32AsU64()
	}
	if err != nil {
		return errTruncated()
	}

	if cu.addressSize, err = r.U8(); err != nil {
		return errTruncated()
	}
	return nil
}

// readCUs walks f's .debug_info end to end and appends a descriptor for
// every CU to cus.
func readCUs(f *file, cus []compilationUnit) ([]compilationUnit, error) {
	debugInfo := f.sections[sectionDebugInfo]
	r := buf.NewReader(debugInfo, f.order)
	for r.Len() > 0 {
		cu := compilationUnit{file: f, off: uint64(r.Offset())}
		if err := readCUHeader(r, &cu); err != nil {
			return cus, err
		}
		next := cu.off + cu.size()
		if next < cu.off || next > uint64(len(debugInfo)) {
			return cus, errTruncated()
		}
		if err := r.SeekTo(int(next)); err != nil {
			return cus, errTruncated()
		}
		cus = append(cus, cu)
	}
	return cus, nil
}
