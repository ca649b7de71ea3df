package dwarfindex

import (
	"sync"

	"github.com/zeebo/xxh3"
)

const (
	shardBits = 8
	numShards = 1 << shardBits
)

// noEntry terminates a chain.
const noEntry = ^uint32(0)

// dieEntry is one indexed DIE. Two DIEs under the same name collapse when
// both their tag and their file digest agree: duplicate declarations
// across translation units fold together while distinct definitions stay
// apart. Comparing the 64-bit file digest instead of the path string is
// collision-safe enough alongside the name and tag.
type dieEntry struct {
	tag          Tag
	fileNameHash uint64
	// next is the next DIE with the same name, as an index into the
	// shard's entries, or noEntry.
	next   uint32
	file   *file
	offset uint64
}

// shard is one of the index's independently locked partitions. All of a
// shard's entries live in a single dense array; the map holds chain heads
// as indices into it.
type shard struct {
	mu      sync.Mutex
	dieMap  map[string]uint32
	entries []dieEntry
}

// shardFor returns the shard for a name hash, chosen by its top bits. The
// per-shard map hashes the name string on its own and does not use this
// hash.
func (ix *Index) shardFor(hash uint64) *shard {
	return &ix.shards[hash>>(64-shardBits)]
}

// insert adds one indexed DIE. Insertion is idempotent under
// (name, tag, fileNameHash); new entries are threaded onto the chain
// tail.
func (ix *Index) insert(name string, tag Tag, fileNameHash uint64, f *file, offset uint64) {
	sh := ix.shardFor(xxh3.HashString(name))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	head, ok := sh.dieMap[name]
	if !ok {
		sh.entries = append(sh.entries, dieEntry{
			tag:          tag,
			fileNameHash: fileNameHash,
			next:         noEntry,
			file:         f,
			offset:       offset,
		})
		sh.dieMap[name] = uint32(len(sh.entries) - 1)
		return
	}

	tail := head
	for {
		e := &sh.entries[tail]
		if e.tag == tag && e.fileNameHash == fileNameHash {
			return
		}
		if e.next == noEntry {
			break
		}
		tail = e.next
	}

	sh.entries = append(sh.entries, dieEntry{
		tag:          tag,
		fileNameHash: fileNameHash,
		next:         noEntry,
		file:         f,
		offset:       offset,
	})
	sh.entries[tail].next = uint32(len(sh.entries) - 1)
}

// unindexFiles rolls back every entry referencing files, which were all
// added by the failing update. All such entries occupy a contiguous
// suffix of each shard's dense array, so each shard shrinks from the tail
// while the last entry's file is marked failed, then drops map heads and
// chain links that point past the new length.
func (ix *Index) unindexFiles(files *file) {
	for f := files; f != nil; f = f.next {
		f.failed = true
	}

	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.Lock()
		for len(sh.entries) > 0 && sh.entries[len(sh.entries)-1].file.failed {
			sh.entries = sh.entries[:len(sh.entries)-1]
		}
		n := uint32(len(sh.entries))
		for name, head := range sh.dieMap {
			if head >= n {
				delete(sh.dieMap, name)
			}
		}
		// A surviving chain tail may have been extended by the failed
		// update.
		for j := range sh.entries {
			if e := &sh.entries[j]; e.next != noEntry && e.next >= n {
				e.next = noEntry
			}
		}
		sh.mu.Unlock()
	}
}
