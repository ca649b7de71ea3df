package dwarfindex

import (
	"context"
	"debug/elf"

	"golang.org/x/sync/errgroup"

	"github.com/jeffmahoney/drgn/internal/safeelf"
)

// relocJob is one RELA section pending application.
type relocJob struct {
	file    *file
	section int
	// count is the number of Elf64_Rela records in the section.
	count int
	// start is the job's first index in the flat relocation index
	// space.
	start int
}

// applyRelocations applies every pending RELA entry across all newly
// opened files. The flat index space over all entries is split into
// contiguous per-worker ranges; section bytes are mutated in place and
// have no concurrent readers during this phase.
func (ix *Index) applyRelocations(files *file) error {
	var jobs []relocJob
	total := 0
	for f := files; f != nil; f = f.next {
		for si := 0; si < numSections; si++ {
			rela := f.relaSections[si]
			if rela == nil {
				continue
			}
			n := len(rela) / safeelf.RelaSize
			jobs = append(jobs, relocJob{file: f, section: si, count: n, start: total})
			total += n
		}
	}
	if total == 0 {
		return nil
	}

	workers := ix.workerCount()
	per := (total + workers - 1) / workers

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		lo := w * per
		hi := lo + per
		if hi > total {
			hi = total
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			// Find the job containing lo.
			j := 0
			for jobs[j].start+jobs[j].count <= lo {
				j++
			}
			idx := lo - jobs[j].start
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := applyRelocation(jobs[j].file, jobs[j].section, idx); err != nil {
					return err
				}
				idx++
				for j < len(jobs) && idx >= jobs[j].count {
					idx = 0
					j++
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// applyRelocation applies the i'th relocation of the given RELA section,
// writing sym.st_value + r_addend into the target section.
func applyRelocation(f *file, section, i int) error {
	rela := safeelf.DecodeRela(f.order, f.relaSections[section], i)
	target := f.sections[section]
	symtab := f.sections[sectionSymtab]
	numSyms := uint32(len(symtab) / safeelf.SymSize)

	switch elf.R_X86_64(rela.Type()) {
	case elf.R_X86_64_NONE:
	case elf.R_X86_64_32:
		if rela.Sym() >= numSyms {
			return errorf(KindELFFormat, "invalid relocation symbol")
		}
		if uint64(len(target)) < 4 || rela.Off > uint64(len(target))-4 {
			return errorf(KindELFFormat, "invalid relocation offset")
		}
		v := safeelf.SymValue(f.order, symtab, int(rela.Sym())) + uint64(rela.Addend)
		f.order.PutUint32(target[rela.Off:], uint32(v))
	case elf.R_X86_64_64:
		if rela.Sym() >= numSyms {
			return errorf(KindELFFormat, "invalid relocation symbol")
		}
		if uint64(len(target)) < 8 || rela.Off > uint64(len(target))-8 {
			return errorf(KindELFFormat, "invalid relocation offset")
		}
		v := safeelf.SymValue(f.order, symtab, int(rela.Sym())) + uint64(rela.Addend)
		f.order.PutUint64(target[rela.Off:], v)
	default:
		return errorf(KindELFFormat, "unimplemented relocation type %d", rela.Type())
	}
	return nil
}
