package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC), ID: "42"}

	s, err := EncodeCursor(in)
	require.NoError(t, err)

	out, err := DecodeCursor(s)
	require.NoError(t, err)
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
	require.Equal(t, in.ID, out.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildPage(t *testing.T) {
	type row struct{ id string }
	rows := []*row{{"a"}, {"b"}, {"c"}}
	cursorOf := func(r *row) Cursor { return Cursor{ID: r.id} }

	page, info, err := BuildPage(rows, 2, cursorOf)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	c, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "b", c.ID)

	page, info, err = BuildPage(rows, 3, cursorOf)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, DefaultLimit, Pagination{}.Normalize().Limit)
	require.Equal(t, MaxLimit, Pagination{Limit: 1000}.Normalize().Limit)
	require.Equal(t, 5, Pagination{Limit: 5}.Normalize().Limit)
}
