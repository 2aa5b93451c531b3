// Copyright 2023-2026 The dmvflow Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import "slices"

// UnknownTag is the tag id of a POS tag missing from a frozen vocabulary.
const UnknownTag = -1

// Vocab maps POS tag names to dense ids, in order of first appearance.
//
// The vocabulary of the train split is shared with the validation and test splits, which
// use it frozen: see Options.POSVocab.
type Vocab struct {
	ids   map[string]int
	names []string
}

// NewVocab creates a vocabulary with the given names, in order.
func NewVocab(names ...string) *Vocab {
	v := &Vocab{ids: make(map[string]int)}
	for _, name := range names {
		v.Add(name)
	}
	return v
}

// Add name if not present yet, and return its id.
func (v *Vocab) Add(name string) int {
	if id, found := v.ids[name]; found {
		return id
	}
	id := len(v.names)
	v.ids[name] = id
	v.names = append(v.names, name)
	return id
}

// ID of name, if present.
func (v *Vocab) ID(name string) (int, bool) {
	id, found := v.ids[name]
	return id, found
}

// Name of the tag with the given id.
func (v *Vocab) Name(id int) string {
	if id < 0 || id >= len(v.names) {
		return ""
	}
	return v.names[id]
}

// Len is the number of tags.
func (v *Vocab) Len() int { return len(v.names) }

// Names returns a copy of the tag names, ordered by id.
func (v *Vocab) Names() []string { return slices.Clone(v.names) }

// IDs returns the ids of those names that are present.
func (v *Vocab) IDs(names ...string) []int {
	var ids []int
	for _, name := range names {
		if id, found := v.ids[name]; found {
			ids = append(ids, id)
		}
	}
	return ids
}
