package dwarfindex

import (
	"debug/dwarf"

	"github.com/zeebo/xxh3"
)

// Result is one indexed DIE yielded by an Iterator.
type Result struct {
	// Entry is the materialised DIE.
	Entry *dwarf.Entry
	// Path is the canonical path of the owning file, or empty for
	// borrowed ELF handles.
	Path string
	// Tag is the indexed DWARF tag. For enumerators this is
	// TagEnumerator even though Entry is the enclosing enumeration
	// type.
	Tag Tag
	// Offset is the DIE's offset within .debug_info.
	Offset uint64
}

// Iterator traverses indexed DIEs, either the chain of one name or the
// whole index. It must not be used concurrently with Update.
type Iterator struct {
	ix      *Index
	tags    []Tag
	shard   int
	index   uint32
	anyName bool
}

// Lookup prepares an iterator over the entries indexed under name. With
// tags, only entries whose tag is in the set are yielded; with none,
// every entry matches.
func (ix *Index) Lookup(name string, tags ...Tag) *Iterator {
	it := &Iterator{ix: ix, tags: tags, index: noEntry}
	hash := xxh3.HashString(name)
	it.shard = int(hash >> (64 - shardBits))
	sh := &ix.shards[it.shard]
	sh.mu.Lock()
	if head, ok := sh.dieMap[name]; ok {
		it.index = head
	}
	sh.mu.Unlock()
	return it
}

// IterAll prepares an iterator over every indexed entry, in shard order
// and within a shard in dense-array order.
func (ix *Index) IterAll(tags ...Tag) *Iterator {
	it := &Iterator{ix: ix, tags: tags, anyName: true}
	for it.shard < numShards && len(ix.shards[it.shard].entries) == 0 {
		it.shard++
	}
	return it
}

func (it *Iterator) matchesTag(e *dieEntry) bool {
	if len(it.tags) == 0 {
		return true
	}
	for _, t := range it.tags {
		if e.tag == t {
			return true
		}
	}
	return false
}

// Next returns the next matching entry, materialised as a DWARF DIE
// through the owning file's lazily constructed DWARF view. It returns
// ErrStop when the iterator is exhausted.
func (it *Iterator) Next() (Result, error) {
	var entry dieEntry
	if it.anyName {
		for {
			if it.shard >= numShards {
				return Result{}, ErrStop
			}
			sh := &it.ix.shards[it.shard]
			entry = sh.entries[it.index]
			it.index++
			if int(it.index) >= len(sh.entries) {
				it.index = 0
				for it.shard++; it.shard < numShards; it.shard++ {
					if len(it.ix.shards[it.shard].entries) > 0 {
						break
					}
				}
			}
			if it.matchesTag(&entry) {
				break
			}
		}
	} else {
		for {
			if it.index == noEntry {
				return Result{}, ErrStop
			}
			entry = it.ix.shards[it.shard].entries[it.index]
			it.index = entry.next
			if it.matchesTag(&entry) {
				break
			}
		}
	}

	d, err := entry.file.dwarf()
	if err != nil {
		return Result{}, &Error{Kind: KindDWARFFormat, Msg: "reading DWARF data", Err: err}
	}
	rd := d.Reader()
	rd.Seek(dwarf.Offset(entry.offset))
	e, err := rd.Next()
	if err != nil || e == nil {
		return Result{}, &Error{Kind: KindDWARFFormat, Msg: "reading DIE", Err: err}
	}
	return Result{
		Entry:  e,
		Path:   entry.file.path,
		Tag:    entry.tag,
		Offset: entry.offset,
	}, nil
}
