package pagination

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, DefaultPageSize, Pagination{PageSize: -3}.Size())
	assert.Equal(t, 20, Pagination{PageSize: 20}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Size())
}

func TestTokenRoundTrip(t *testing.T) {
	k := Keyset{CreatedAt: time.Date(2026, 6, 1, 12, 0, 0, 123456789, time.UTC), ID: snowflake.ID(1798331234567)}

	parsed, err := ParseToken(k.Token())
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.True(t, k.CreatedAt.Equal(parsed.CreatedAt))
	assert.Equal(t, k.ID, parsed.ID)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	parsed, err := ParseToken("  ")
	require.NoError(t, err)
	assert.Nil(t, parsed)

	for _, token := range []string{"%%%", "bm9kb3Q", "YWJjLg", "enouMA"} {
		_, err := ParseToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestTrim(t *testing.T) {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := []Keyset{
		{CreatedAt: base.Add(3 * time.Second), ID: 3},
		{CreatedAt: base.Add(2 * time.Second), ID: 2},
		{CreatedAt: base.Add(time.Second), ID: 1},
	}
	identity := func(k Keyset) Keyset { return k }

	page, info := Trim(rows, 2, identity)
	assert.Len(t, page, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, rows[1].Token(), info.NextPageToken)

	page, info = Trim(rows, 3, identity)
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}
