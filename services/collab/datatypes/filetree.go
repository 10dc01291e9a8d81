// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// File Tree Types
// =============================================================================

// FileRecord holds the contents of one virtual file. The "content" key
// is part of the stored and broadcast format.
type FileRecord struct {
	Content string `json:"content"`
}

// FileTreeSnapshot is the authoritative file state of one room.
//
// # Description
//
// A flat map of path -> FileRecord. Paths are opaque strings; the engine
// never interprets separators or normalizes them. A nil snapshot is
// treated as empty everywhere.
//
// # Thread Safety
//
// NOT safe for concurrent use. Ownership belongs to the filetree
// synchronizer, which serializes all access per room.
type FileTreeSnapshot map[string]FileRecord

// NewFileTreeSnapshot returns an empty snapshot.
func NewFileTreeSnapshot() FileTreeSnapshot {
	return make(FileTreeSnapshot)
}

// Clone returns an independent copy of the snapshot.
func (s FileTreeSnapshot) Clone() FileTreeSnapshot {
	out := make(FileTreeSnapshot, len(s))
	for path, node := range s {
		out[path] = node
	}
	return out
}

// Merge applies incoming on top of the snapshot, key-wise.
//
// # Description
//
// Every path present in incoming overwrites the snapshot's entry for
// that path; paths absent from incoming are left untouched. Merge never
// deletes; removal is a separate explicit operation (Delete).
//
// # Inputs
//
//   - incoming: Tree to overlay. A nil or empty tree is a no-op.
func (s FileTreeSnapshot) Merge(incoming FileTreeSnapshot) {
	for path, node := range incoming {
		s[path] = node
	}
}

// Delete removes a single path from the snapshot.
//
// Returns true if the path existed. Deleting an absent path is a no-op.
func (s FileTreeSnapshot) Delete(path string) bool {
	if _, ok := s[path]; !ok {
		return false
	}
	delete(s, path)
	return true
}

// Serialize encodes the snapshot to its stored JSON string form.
//
// An empty or nil snapshot serializes to "{}" so the stored field is
// always valid JSON.
func (s FileTreeSnapshot) Serialize() (string, error) {
	if len(s) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize file tree: %w", err)
	}
	return string(data), nil
}

// DeserializeFileTree decodes a stored JSON string into a snapshot.
//
// An empty string is treated as an empty snapshot, matching rooms that
// have never persisted a tree.
func DeserializeFileTree(raw string) (FileTreeSnapshot, error) {
	if raw == "" {
		return NewFileTreeSnapshot(), nil
	}
	var tree FileTreeSnapshot
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("deserialize file tree: %w", err)
	}
	if tree == nil {
		tree = NewFileTreeSnapshot()
	}
	return tree, nil
}
