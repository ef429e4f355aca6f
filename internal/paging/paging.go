// Package paging turns page/limit query parameters into store windows.
package paging

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Default page sizes per list endpoint.
const (
	DefaultBoardLimit    = 20
	DefaultCardLimit     = 100
	DefaultActivityLimit = 50

	// MaxLimit bounds the page size a client may ask for.
	MaxLimit = 1000
)

var ErrInvalidPage = errors.New("invalid pagination")

type Window struct {
	Page   int
	Limit  int
	Offset int
}

// Paginate computes the 0-based window. Page and limit must already be valid.
func Paginate(page, limit int) Window {
	return Window{Page: page, Limit: limit, Offset: page * limit}
}

// Parse reads raw query values. Empty values fall back to page 0 and
// defaultLimit.
func Parse(rawPage, rawLimit string, defaultLimit int) (Window, error) {
	page := 0
	if v := strings.TrimSpace(rawPage); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Window{}, fmt.Errorf("%w: page must be a non-negative integer", ErrInvalidPage)
		}
		page = n
	}
	limit := defaultLimit
	if v := strings.TrimSpace(rawLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Window{}, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidPage)
		}
		if n > MaxLimit {
			return Window{}, fmt.Errorf("%w: limit must not exceed %d", ErrInvalidPage, MaxLimit)
		}
		limit = n
	}
	if page > math.MaxInt/limit {
		return Window{}, fmt.Errorf("%w: page is out of range", ErrInvalidPage)
	}
	return Paginate(page, limit), nil
}

// Page is the list envelope shared by every list endpoint. Total counts all
// records matching the filter, independent of the window.
type Page[T any] struct {
	Items []T
	Total int
	Page  int
	Limit int
}

func NewPage[T any](items []T, total int, w Window) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: w.Page, Limit: w.Limit}
}

// Fields renders the envelope with the items under key.
func (p Page[T]) Fields(key string) map[string]any {
	return map[string]any{
		key:     p.Items,
		"total": p.Total,
		"page":  p.Page,
		"limit": p.Limit,
	}
}
