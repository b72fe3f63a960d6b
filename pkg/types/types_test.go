package types

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCompare(t *testing.T) {
	t.Run("user bytes ascending", func(t *testing.T) {
		require.Negative(t, NewKey([]byte("a"), 1).Compare(NewKey([]byte("b"), 1)))
		require.Positive(t, NewKey([]byte("b"), 1).Compare(NewKey([]byte("a"), 9)))
	})

	t.Run("version descending", func(t *testing.T) {
		require.Negative(t, NewKey([]byte("a"), 5).Compare(NewKey([]byte("a"), 2)))
		require.Positive(t, NewKey([]byte("a"), 2).Compare(NewKey([]byte("a"), 5)))
		require.Zero(t, NewKey([]byte("a"), 3).Compare(NewKey([]byte("a"), 3)))
	})

	t.Run("sort", func(t *testing.T) {
		keys := []Key{
			NewKey([]byte("b"), 1),
			NewKey([]byte("a"), 1),
			NewKey([]byte("a"), 7),
			NewKey([]byte("c"), 3),
			NewKey([]byte("b"), 4),
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

		want := []Key{
			NewKey([]byte("a"), 7),
			NewKey([]byte("a"), 1),
			NewKey([]byte("b"), 4),
			NewKey([]byte("b"), 1),
			NewKey([]byte("c"), 3),
		}
		require.Equal(t, want, keys)
	})
}

func TestKeyClone(t *testing.T) {
	k := NewKey([]byte("abc"), 3)
	c := k.Clone()
	k.User[0] = 'z'

	require.Equal(t, []byte("abc"), c.User)
	require.True(t, c.SameUser(NewKey([]byte("abc"), 10)))
}
