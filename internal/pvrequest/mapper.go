package pvrequest

import (
	"sort"
	"strings"

	"github.com/epics-go/pvaccess/internal/pvdata"
)

// pathTrie groups requested dotted field paths by their first path
// segment, so the mapper can walk it alongside the source descriptor one
// level at a time.
type pathTrie struct {
	// leaf is true if this exact path was requested (selects the whole
	// subtree from here down).
	leaf     bool
	children map[string]*pathTrie
}

func newTrie() *pathTrie { return &pathTrie{children: map[string]*pathTrie{}} }

func (t *pathTrie) insert(path string) {
	node := t
	for _, seg := range strings.Split(path, ".") {
		child, ok := node.children[seg]
		if !ok {
			child = newTrie()
			node.children[seg] = child
		}
		node = child
	}
	node.leaf = true
}

// Result is the outcome of mapping a source descriptor against a parsed
// Request, per spec.md §4.10.
type Result struct {
	Projected pvdata.Descriptor
	Mask      *pvdata.BitSet // requested mask, over source offsets
	Warnings  []string
}

// Map computes the projected descriptor and the requested mask over source
// offsets for the given field request against a source structure
// descriptor. It builds no value copier: values are not copied into the
// projected shape, and CopyChangeMask only intersects a source change mask
// with the requested mask, leaving the result in source offsets.
//
// An empty field() selector (req.Fields non-nil, len 0) requests the
// entire structure: Projected == source, Mask marks every offset.
func Map(source pvdata.Descriptor, req Request) Result {
	srcOffsets := pvdata.Flatten(source)
	mask := pvdata.NewBitSet(source.FieldCount())

	if len(req.Fields) == 0 {
		for i := 0; i < source.FieldCount(); i++ {
			mask.Set(i)
		}
		return Result{Projected: source, Mask: mask}
	}

	trie := newTrie()
	var warnings []string
	sortedFields := append([]string(nil), req.Fields...)
	sort.Strings(sortedFields)
	for _, f := range sortedFields {
		if !pathExists(source, f) {
			warnings = append(warnings, "no such field: "+f)
			continue
		}
		trie.insert(f)
	}

	mask.Set(0) // root is always included
	projected := project(source, trie, "", mask, srcOffsets)

	return Result{Projected: projected, Mask: mask, Warnings: warnings}
}

// pathExists reports whether dotted path names a real field reachable
// from source's depth-first flattening.
func pathExists(source pvdata.Descriptor, path string) bool {
	_, ok := pvdata.Flatten(source)[path]
	return ok
}

// project walks source alongside trie (rooted at the path so far given by
// prefix), returning the projected descriptor for this node and marking
// every included offset in mask.
func project(source pvdata.Descriptor, trie *pathTrie, prefix string, mask *pvdata.BitSet, srcOffsets map[string]int) pvdata.Descriptor {
	if trie == nil || len(trie.children) == 0 {
		// Leaf of the request (or request wasn't a structure): take
		// the whole subtree as-is and mark every offset under it.
		markSubtree(source, prefix, mask, srcOffsets)
		return source
	}
	if source.DKind != pvdata.DescStructure && source.DKind != pvdata.DescUnion {
		markSubtree(source, prefix, mask, srcOffsets)
		return source
	}

	var fields []pvdata.Field
	for _, f := range source.Fields {
		child, requested := trie.children[f.Name]
		if !requested {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		if off, ok := srcOffsets[path]; ok {
			mask.Set(off)
		}
		var sub pvdata.Descriptor
		if child.leaf {
			sub = f.Desc
			markSubtree(f.Desc, path, mask, srcOffsets)
		} else {
			sub = project(f.Desc, child, path, mask, srcOffsets)
		}
		fields = append(fields, pvdata.Field{Name: f.Name, Desc: sub})
	}

	out := source
	out.Fields = fields
	return out
}

// markSubtree marks every offset at and beneath prefix in mask, used once
// a requested path selects a whole subtree.
func markSubtree(desc pvdata.Descriptor, prefix string, mask *pvdata.BitSet, srcOffsets map[string]int) {
	if prefix != "" {
		if off, ok := srcOffsets[prefix]; ok {
			mask.Set(off)
		}
	}
	if desc.DKind != pvdata.DescStructure && desc.DKind != pvdata.DescUnion {
		return
	}
	for _, f := range desc.Fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		markSubtree(f.Desc, path, mask, srcOffsets)
	}
}

// CopyChangeMask projects a source change mask onto the requested mask,
// keeping only the bits both masks share -- the set of source offsets
// that were both requested and changed.
func CopyChangeMask(sourceChange *pvdata.BitSet, requested *pvdata.BitSet, fieldCount int) *pvdata.BitSet {
	out := pvdata.NewBitSet(fieldCount)
	for i := 0; i < fieldCount; i++ {
		if requested.Get(i) && sourceChange.Get(i) {
			out.Set(i)
		}
	}
	return out
}
