package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	token := Encode(ts, 42)
	require.NotEmpty(t, token)

	cursor, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.EqualValues(t, 42, cursor.ID)
}

func TestDecodeEmptyMeansTop(t *testing.T) {
	cursor, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not base64":     "!!!not-base64!!!",
		"no separator":   base64.URLEncoding.EncodeToString([]byte("12345")),
		"bad timestamp":  base64.URLEncoding.EncodeToString([]byte("abc|7")),
		"bad id":         base64.URLEncoding.EncodeToString([]byte("123|xyz")),
		"nonpositive id": base64.URLEncoding.EncodeToString([]byte("123|0")),
	}
	for name, token := range cases {
		_, err := Decode(token)
		assert.Error(t, err, name)
	}
}

type row struct {
	id      int64
	created time.Time
}

func TestComputePageLastPage(t *testing.T) {
	rows := []row{{id: 3}, {id: 2}, {id: 1}}
	page, next, hasMore := ComputePage(rows, 5, func(r row) (time.Time, int64) {
		return r.created, r.id
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}

func TestComputePageWithMore(t *testing.T) {
	created := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := []row{
		{id: 9, created: created},
		{id: 8, created: created},
		{id: 7, created: created},
		{id: 6, created: created},
	}

	page, next, hasMore := ComputePage(rows, 3, func(r row) (time.Time, int64) {
		return r.created, r.id
	})
	require.Len(t, page, 3)
	assert.True(t, hasMore)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cursor.ID)
	assert.Equal(t, created, cursor.CreatedAt)
}
