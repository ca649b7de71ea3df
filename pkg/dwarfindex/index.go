// Package dwarfindex builds a fast name index over the DWARF debugging
// information of a set of ELF files.
//
// The index maps identifier names to the Debugging Information Entries
// that define entities of that name across every registered file. It is
// consulted by type lookup, object lookup and stack-frame variable
// resolution, so it is built for throughput: relocations and compilation
// units are processed in parallel, the abbreviation tables are compiled
// into a compact skip/parse instruction stream, and the name map is
// sharded 256 ways to keep insertion contention low.
//
// Usage: create an Index with the entity kinds to be indexed, register
// files with Open or OpenELF, then call Update. Updates are atomic per
// call: on error, every file registered since the previous successful
// update is rolled back and previously indexed files stay queryable.
package dwarfindex

import (
	"context"
	"encoding/binary"
	"math/bits"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeffmahoney/drgn/internal/safeelf"
)

// Flags selects which entities an Index indexes.
type Flags int

const (
	// IndexTypes indexes base, class, enumeration, structure, typedef
	// and union types.
	IndexTypes Flags = 1 << iota
	// IndexVariables indexes variables.
	IndexVariables
	// IndexEnumerators indexes enumerators under their enumeration
	// type's DIE.
	IndexEnumerators
	// IndexFunctions indexes subprograms.
	IndexFunctions
)

// IndexAll indexes every supported entity kind.
const IndexAll = IndexTypes | IndexVariables | IndexEnumerators | IndexFunctions

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for update instrumentation. The
// default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger.With().Str("component", "dwarfindex").Logger()
	}
}

// WithWorkers bounds the number of worker goroutines used by Update. The
// default is GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(ix *Index) { ix.workers = n }
}

// Index is a concurrent name-to-DIE multi-map over a set of ELF files.
//
// Open, OpenELF, Update and Close must not be called concurrently with
// each other. Iterators are read-only and may be used concurrently once
// Update has returned.
type Index struct {
	flags   Flags
	logger  zerolog.Logger
	workers int

	mu          sync.Mutex
	files       map[string]*file
	openedFirst *file
	openedLast  *file

	indexedFirst *file
	indexedLast  *file

	shards [numShards]shard
}

// New creates an empty index. At least one Flags bit must be set.
func New(flags Flags, opts ...Option) (*Index, error) {
	if flags == 0 || flags&^IndexAll != 0 {
		return nil, errorf(KindInvalidArgument, "invalid flags")
	}
	ix := &Index{
		flags:  flags,
		logger: zerolog.Nop(),
		files:  make(map[string]*file),
	}
	for _, opt := range opts {
		opt(ix)
	}
	for i := range ix.shards {
		ix.shards[i].dieMap = make(map[string]uint32)
	}
	return ix, nil
}

func (ix *Index) workerCount() int {
	if ix.workers > 0 {
		return ix.workers
	}
	return runtime.GOMAXPROCS(0)
}

// Open registers the ELF file at path for the next Update and returns
// its handle. Files are deduplicated by canonical path: opening the same
// file twice returns the cached handle with no further side effect.
func (ix *Index) Open(path string) (*safeelf.File, error) {
	key, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, osError(err, path, "realpath")
	}
	if key, err = filepath.Abs(key); err != nil {
		return nil, osError(err, path, "realpath")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if f, ok := ix.files[key]; ok {
		return f.elf, nil
	}

	ef, err := safeelf.Open(path)
	if err != nil {
		return nil, wrapELF(err, path)
	}

	f := &file{path: key, elf: ef, owned: true, order: ef.ByteOrder}
	if err := f.readSections(); err != nil {
		_ = ef.Close()
		return nil, err
	}

	ix.files[key] = f
	ix.appendOpened(f)
	return ef, nil
}

// OpenELF registers an ELF handle owned by the caller for the next
// Update. The handle must stay valid until it is removed by a failed
// update or the index is closed.
func (ix *Index) OpenELF(ef *safeelf.File) error {
	f := &file{elf: ef, order: ef.ByteOrder}
	if err := f.readSections(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.appendOpened(f)
	return nil
}

func (ix *Index) appendOpened(f *file) {
	if ix.openedLast != nil {
		ix.openedLast.next = f
	} else {
		ix.openedFirst = f
	}
	ix.openedLast = f
}

// Update indexes every file registered since the last call. It is
// all-or-nothing: on error, all files it introduced are dropped and the
// entries of previous updates are untouched.
func (ix *Index) Update() error {
	ix.mu.Lock()
	first, last := ix.openedFirst, ix.openedLast
	ix.openedFirst, ix.openedLast = nil, nil
	ix.mu.Unlock()
	if first == nil {
		return nil
	}

	start := time.Now()
	err := ix.update(first)
	if err != nil {
		ix.freeFiles(first)
		return err
	}

	if ix.indexedLast != nil {
		ix.indexedLast.next = first
	} else {
		ix.indexedFirst = first
	}
	ix.indexedLast = last

	ix.logger.Info().
		Dur("elapsed", time.Since(start)).
		Msg("index updated")
	return nil
}

func (ix *Index) update(first *file) error {
	relocStart := time.Now()
	if err := ix.applyRelocations(first); err != nil {
		return err
	}

	var cus []compilationUnit
	nfiles := 0
	for f := first; f != nil; f = f.next {
		nfiles++
		debugStr := f.sections[sectionDebugStr]
		if len(debugStr) == 0 || debugStr[len(debugStr)-1] != 0 {
			return errorf(KindDWARFFormat, ".debug_str is not null terminated")
		}
		var err error
		if cus, err = readCUs(f, cus); err != nil {
			return err
		}
	}

	indexStart := time.Now()
	if err := ix.indexCUs(cus); err != nil {
		ix.unindexFiles(first)
		return err
	}

	ix.logger.Debug().
		Int("files", nfiles).
		Int("cus", len(cus)).
		Dur("relocate", indexStart.Sub(relocStart)).
		Dur("index", time.Since(indexStart)).
		Msg("indexed compilation units")
	return nil
}

// indexCUs distributes the CUs across the worker pool with a static
// interleaved schedule. The first error wins; other workers notice the
// cancelled context and stop early.
func (ix *Index) indexCUs(cus []compilationUnit) error {
	workers := ix.workerCount()
	if workers > len(cus) {
		workers = len(cus)
	}
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(cus); i += workers {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := ix.indexCU(&cus[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// freeFiles drops files from the registration map and closes the ones
// the index owns.
func (ix *Index) freeFiles(files *file) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for f := files; f != nil; f = f.next {
		if f.path != "" {
			delete(ix.files, f.path)
		}
		if f.owned {
			if err := f.elf.Close(); err != nil {
				ix.logger.Warn().Err(err).Str("path", f.path).Msg("closing ELF file failed")
			}
		}
	}
}

// Close releases the index: files opened by the index are closed and all
// shards are dropped.
func (ix *Index) Close() error {
	ix.freeFiles(ix.openedFirst)
	ix.freeFiles(ix.indexedFirst)
	ix.openedFirst, ix.openedLast = nil, nil
	ix.indexedFirst, ix.indexedLast = nil, nil
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.Lock()
		sh.entries = nil
		sh.dieMap = nil
		sh.mu.Unlock()
	}
	return nil
}

// WordSize returns the word size of the indexed program in bytes. Only
// 64-bit ELF files are supported, so this is 8 once a file has been
// indexed.
func (ix *Index) WordSize() int {
	if ix.indexedFirst == nil {
		return bits.UintSize / 8
	}
	return 8
}

// ByteOrder returns the byte order of the indexed program, defaulting to
// little-endian before the first update.
func (ix *Index) ByteOrder() binary.ByteOrder {
	if ix.indexedFirst == nil {
		return binary.LittleEndian
	}
	return ix.indexedFirst.order
}
