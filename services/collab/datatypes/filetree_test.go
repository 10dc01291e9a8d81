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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tree(pairs ...string) FileTreeSnapshot {
	s := NewFileTreeSnapshot()
	for i := 0; i < len(pairs)-1; i += 2 {
		s[pairs[i]] = FileRecord{Content: pairs[i+1]}
	}
	return s
}

func TestMerge_IncomingOverwrites(t *testing.T) {
	base := tree("a.js", "old-a", "b.js", "old-b")
	incoming := tree("a.js", "new-a", "c.js", "new-c")

	base.Merge(incoming)

	assert.Equal(t, "new-a", base["a.js"].Content)
	assert.Equal(t, "old-b", base["b.js"].Content, "keys absent from incoming must survive")
	assert.Equal(t, "new-c", base["c.js"].Content)
	assert.Len(t, base, 3)
}

func TestMerge_EmptyIncomingIsNoop(t *testing.T) {
	base := tree("a.js", "a")

	base.Merge(nil)
	base.Merge(NewFileTreeSnapshot())

	assert.Equal(t, tree("a.js", "a"), base)
}

func TestMerge_Idempotent(t *testing.T) {
	base := tree("a.js", "old")
	incoming := tree("a.js", "new")

	base.Merge(incoming)
	once := base.Clone()
	base.Merge(incoming)

	assert.Equal(t, once, base, "re-applying the same update must not change the result")
}

func TestDelete(t *testing.T) {
	s := tree("a.js", "a", "b.js", "b")

	assert.True(t, s.Delete("a.js"))
	assert.False(t, s.Delete("a.js"), "deleting an absent path is a no-op")
	assert.False(t, s.Delete("never-existed"))
	assert.Len(t, s, 1)
}

func TestSerialize_RoundTrip(t *testing.T) {
	s := tree("src/app.js", "console.log('hi')", "README.md", "# readme")

	raw, err := s.Serialize()
	require.NoError(t, err)

	got, err := DeserializeFileTree(raw)
	require.NoError(t, err)
	assert.Equal(t, s, got, "paths and contents must survive a round-trip unchanged")
}

func TestSerialize_Empty(t *testing.T) {
	raw, err := FileTreeSnapshot(nil).Serialize()
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)

	raw, err = NewFileTreeSnapshot().Serialize()
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)
}

func TestDeserializeFileTree(t *testing.T) {
	got, err := DeserializeFileTree("")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = DeserializeFileTree("null")
	require.NoError(t, err)
	assert.NotNil(t, got, "stored null must hydrate as an empty snapshot")

	_, err = DeserializeFileTree("{not json")
	assert.Error(t, err)
}

func TestClone_Independence(t *testing.T) {
	s := tree("a.js", "a")
	c := s.Clone()
	c["b.js"] = FileRecord{Content: "b"}

	assert.Len(t, s, 1, "mutating the clone must not touch the original")
	assert.Len(t, c, 2)
}
