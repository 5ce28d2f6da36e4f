// Package pagination implements keyset paging over (created_at, id) ordered rows.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested page size into [1, MaxPageSize].
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Keyset is the position of the last row on a page. Rows are ordered newest
// first, so the next page holds rows strictly before it.
type Keyset struct {
	CreatedAt time.Time
	ID        snowflake.ID
}

// Token renders the keyset as an opaque URL-safe string.
func (k Keyset) Token() string {
	raw := strconv.FormatInt(k.CreatedAt.UTC().UnixNano(), 36) + "." + k.ID.Base36()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseToken returns nil for an empty token.
func ParseToken(token string) (*Keyset, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	parsed, err := snowflake.ParseBase36(id)
	if err != nil || parsed <= 0 {
		return nil, ErrInvalidToken
	}
	return &Keyset{CreatedAt: time.Unix(0, nanos).UTC(), ID: parsed}, nil
}

// Trim takes rows fetched with limit+1 and returns the page plus the token of
// the following page, if any.
func Trim[T any](rows []T, limit int, key func(T) Keyset) ([]T, PageInfo) {
	if limit <= 0 || len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	return rows, PageInfo{
		HasMore:       true,
		NextPageToken: key(rows[len(rows)-1]).Token(),
	}
}
