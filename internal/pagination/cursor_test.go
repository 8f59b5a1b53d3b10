package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "sale_01J"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "sale_01J", c.ID)
	assert.Equal(t, Encode(ts, "sale_01J"), c.String())
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, "", c.String())
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl", "eHx5", "MTIzfA=="} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_Before(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := At(base, "sale_m")

	assert.True(t, c.Before(base.Add(-time.Second), "sale_z"))
	assert.True(t, c.Before(base, "sale_a"))
	assert.True(t, c.Before(base, "sale_m"))
	assert.False(t, c.Before(base, "sale_n"))
	assert.False(t, c.Before(base.Add(time.Second), "sale_a"))

	var none *Cursor
	assert.False(t, none.Before(base, "sale_a"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	items, next, more := ComputePage([]string{"a", "b"}, 3, key)
	assert.Len(t, items, 2)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
