package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingRecentBeforeWrap(t *testing.T) {
	r := NewRing(4)
	r.Record(Entry{CaseID: "a"})
	r.Record(Entry{CaseID: "b"})

	got := r.Recent()
	require := []string{"a", "b"}
	assert.Len(t, got, 2)
	for i, e := range got {
		assert.Equal(t, require[i], e.CaseID)
	}
}

func TestRingWrapsAndKeepsOldestFirst(t *testing.T) {
	r := NewRing(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Record(Entry{CaseID: id})
	}

	got := r.Recent()
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.CaseID
	}
	assert.Equal(t, []string{"c", "d", "e"}, ids)
}

func TestNewRingDefaultsCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Len(t, r.buf, 256)
}
