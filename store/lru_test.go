package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (l *LRU) keysHeadToTail() []string {
	var keys []string
	for id := l.head; id != nilNode; id = l.nodes[id].next {
		keys = append(keys, l.nodes[id].key)
	}
	return keys
}

// TestLRU_Eviction: with maxBytes=10,
// Put(a,1) Put(bb,22) Put(ccc,333) Get(a) => Get fails, state is {ccc:333}.
func TestLRU_Eviction(t *testing.T) {
	l := New(10)
	require.True(t, l.Put("a", "1"))
	require.True(t, l.Put("bb", "22"))
	require.True(t, l.Put("ccc", "333"))

	_, ok := l.Get("a")
	assert.False(t, ok, "a should have been evicted when ccc was inserted")
	assert.Equal(t, 6, l.CurrentBytes())
	assert.Equal(t, 1, l.Len())
	_, ok = l.Get("ccc")
	assert.True(t, ok)
}

// TestLRU_TouchOnGet: with maxBytes=6,
// Put(a,1) Put(b,2) Put(c,3) Get(a) Put(d,4) => {a:1, c:3, d:4}, b evicted.
func TestLRU_TouchOnGet(t *testing.T) {
	l := New(6)
	require.True(t, l.Put("a", "1"))
	require.True(t, l.Put("b", "2"))
	require.True(t, l.Put("c", "3"))

	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.True(t, l.Put("d", "4"))

	_, ok = l.Get("b")
	assert.False(t, ok, "b should have been evicted, not a")

	for _, want := range []struct {
		key, val string
	}{{"a", "1"}, {"c", "3"}, {"d", "4"}} {
		v, ok := l.Get(want.key)
		assert.True(t, ok, "expected %s present", want.key)
		assert.Equal(t, want.val, v)
	}
}

// TestLRU_OversizeRejection: with maxBytes=4, Put(keyX, v) fails and the
// store is left empty.
func TestLRU_OversizeRejection(t *testing.T) {
	l := New(4)
	ok := l.Put("keyX", "v")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.CurrentBytes())
}

func TestLRU_PutIfAbsent(t *testing.T) {
	l := New(100)
	require.True(t, l.PutIfAbsent("a", "1"))
	assert.False(t, l.PutIfAbsent("a", "2"), "must fail: key already present")
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v, "value must be unchanged after failed PutIfAbsent")
}

func TestLRU_PutIfAbsent_Oversize(t *testing.T) {
	l := New(4)
	assert.False(t, l.PutIfAbsent("keyX", "v"))
}

func TestLRU_Set(t *testing.T) {
	l := New(100)
	assert.False(t, l.Set("missing", "v"), "Set must fail on absent key")

	require.True(t, l.Put("a", "1"))
	require.True(t, l.Set("a", "2"))
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

// TestLRU_UpdateRejectedBySelfEvictionPrecheck: a value update that would
// only fit by evicting the entry being updated must be rejected up front
// by the oversize precheck, never by evicting and replacing itself.
func TestLRU_UpdateRejectedBySelfEvictionPrecheck(t *testing.T) {
	l := New(4)
	require.True(t, l.Put("ab", "1")) // size 3, fits
	ok := l.Put("ab", "1234")         // size 6 > max_bytes=4
	assert.False(t, ok)
	v, got := l.Get("ab")
	require.True(t, got, "original entry must survive a rejected update")
	assert.Equal(t, "1", v)
}

func TestLRU_UpdateEvictsOtherEntriesOnly(t *testing.T) {
	l := New(7)
	require.True(t, l.Put("a", "1"))   // size 2
	require.True(t, l.Put("bb", "22")) // size 4, total 6
	// Growing "a" to size 4 (a + "123") needs 2 more bytes than it has,
	// pushing total to 8 > 7: this must evict "bb" (the tail after "a" is
	// promoted to head), never "a" itself.
	require.True(t, l.Put("a", "123"))

	v, ok := l.Get("a")
	require.True(t, ok, "the entry being updated must never be self-evicted")
	assert.Equal(t, "123", v)

	_, ok = l.Get("bb")
	assert.False(t, ok, "bb should have been evicted to make room")
}

func TestLRU_Delete(t *testing.T) {
	l := New(100)
	assert.False(t, l.Delete("missing"))
	require.True(t, l.Put("a", "1"))
	assert.True(t, l.Delete("a"))
	assert.False(t, l.Delete("a"), "second delete of same key must fail")
	_, ok := l.Get("a")
	assert.False(t, ok)
}

func TestLRU_EmptyStore(t *testing.T) {
	l := New(100)
	_, ok := l.Get("anything")
	assert.False(t, ok)
	assert.False(t, l.Delete("anything"))
	assert.True(t, l.Put("a", "1"))
}

// TestLRU_EvictionFairness checks that eviction drops exactly a prefix of
// the pre-operation tail, oldest first.
func TestLRU_EvictionFairness(t *testing.T) {
	l := New(6)
	require.True(t, l.Put("a", "1")) // 2
	require.True(t, l.Put("b", "2")) // 2, total 4
	require.True(t, l.Put("c", "3")) // 2, total 6 (exactly fits)

	before := l.keysHeadToTail()
	require.Equal(t, []string{"c", "b", "a"}, before)

	// Inserting "d" (2 bytes) must evict exactly the tail, "a".
	require.True(t, l.Put("d", "4"))
	_, ok := l.Get("a")
	assert.False(t, ok)
	for _, k := range []string{"b", "c", "d"} {
		_, ok := l.Get(k)
		assert.True(t, ok, "%s should remain", k)
	}
}

// TestLRU_PropertyInvariants runs a scripted sequence of operations and
// checks the byte-accounting and index/order invariants after every step.
func TestLRU_PropertyInvariants(t *testing.T) {
	l := New(20)
	ops := []struct {
		op         string
		key, value string
	}{
		{"put", "a", "1"}, {"put", "bb", "22"}, {"putifabsent", "cc", "33"},
		{"get", "a", ""}, {"put", "ddddddd", "x"}, {"set", "bb", "y"},
		{"delete", "a", ""}, {"put", "eeeeeeeeeeeeeee", "zzzzzzzzzzzzzzzzzz"},
	}
	for i, o := range ops {
		switch o.op {
		case "put":
			l.Put(o.key, o.value)
		case "putifabsent":
			l.PutIfAbsent(o.key, o.value)
		case "set":
			l.Set(o.key, o.value)
		case "delete":
			l.Delete(o.key)
		case "get":
			l.Get(o.key)
		}

		assert.LessOrEqualf(t, l.CurrentBytes(), l.MaxBytes(), "after op %d (%s)", i, o.op)

		var sum int
		for k, id := range l.index {
			sum += entrySize(k, l.nodes[id].value)
		}
		assert.Equalf(t, sum, l.CurrentBytes(), "after op %d (%s)", i, o.op)

		assert.Equalf(t, len(l.index), len(l.keysHeadToTail()), "after op %d (%s): index/order size mismatch", i, o.op)
	}
}

func TestLRU_GetPromotesToHead(t *testing.T) {
	l := New(100)
	require.True(t, l.Put("a", "1"))
	require.True(t, l.Put("b", "2"))
	require.True(t, l.Put("c", "3"))

	_, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", l.keysHeadToTail()[0])
}

func TestLRU_ArenaReusesFreedSlots(t *testing.T) {
	l := New(6)
	for i := 0; i < 50; i++ {
		require.True(t, l.Put(fmt.Sprintf("k%d", i%3), "x"))
	}
	assert.LessOrEqual(t, len(l.nodes), 6, "freed node slots must be recycled, not grown without bound")
}
