package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 5, 4, 8, 30, 0, 123, time.UTC)

	c, err := Decode(Encode(ts, "res_abc"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "res_abc", c.ID)
}

func TestDecode_EmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
	assert.True(t, c.After(time.Now(), "anything"))
}

func TestDecode_Rejects(t *testing.T) {
	for _, in := range []string{
		"not base64!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|res_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_After(t *testing.T) {
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "res_m"}

	assert.True(t, c.After(at.Add(-time.Second), "res_z"))
	assert.False(t, c.After(at.Add(time.Second), "res_a"))
	assert.True(t, c.After(at, "res_a"), "same instant breaks ties on id")
	assert.False(t, c.After(at, "res_m"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}

func TestPage(t *testing.T) {
	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	type row struct {
		at time.Time
		id string
	}
	key := func(r row) (time.Time, string) { return r.at, r.id }
	rows := []row{{base.Add(2 * time.Minute), "c"}, {base.Add(time.Minute), "b"}, {base, "a"}}

	items, next := Page(rows, 2, key)
	assert.Len(t, items, 2)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	items, next = Page(rows, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
}
