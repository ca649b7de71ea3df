// Package pathiter iterates over the components of a file path in reverse
// order, canonicalising as it goes: empty and "." components are dropped,
// and ".." components consume the component that precedes them in the
// path. For an absolute path, the final component yielded is the empty
// root component, so absolute and relative spellings never collide.
package pathiter

// Iterator walks path components from last to first.
type Iterator struct {
	path     string
	pos      int
	dotDot   int
	rootDone bool
}

// New returns an Iterator over path.
func New(path string) *Iterator {
	return &Iterator{path: path, pos: len(path)}
}

// Next returns the next component, last to first. It reports false when
// the path is exhausted.
func (it *Iterator) Next() (string, bool) {
	for it.pos > 0 {
		end := it.pos
		for end > 0 && it.path[end-1] == '/' {
			end--
		}
		if end == 0 {
			it.pos = 0
			break
		}
		start := end
		for start > 0 && it.path[start-1] != '/' {
			start--
		}
		it.pos = start
		switch component := it.path[start:end]; component {
		case ".":
		case "..":
			it.dotDot++
		default:
			if it.dotDot > 0 {
				it.dotDot--
				continue
			}
			return component, true
		}
	}
	if len(it.path) > 0 && it.path[0] == '/' {
		// The root consumes any remaining ".." components.
		if !it.rootDone {
			it.rootDone = true
			return "", true
		}
		return "", false
	}
	if it.dotDot > 0 {
		it.dotDot--
		return "..", true
	}
	return "", false
}
