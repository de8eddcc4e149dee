package pagination

import (
	"fmt"
	"strconv"

	"callorchestrator-backend/pkg/constants"
)

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Page is a window over a listing whose total size is not counted.
// HasMore is set when at least one more item exists past the window.
type Page[T any] struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
	Items   []T  `json:"items"`
}

// Constants
const (
	DefaultPage  = 1
	DefaultLimit = constants.DefaultPageSize
	MaxLimit     = constants.MaxPageSize
	MinLimit     = 1
)

// Parse parses page and limit from query string values.
// Empty values fall back to the defaults; limit is clamped to [MinLimit, MaxLimit].
func Parse(pageStr, limitStr string) (Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < MinLimit:
			limit = MinLimit
		case l > MaxLimit:
			limit = MaxLimit
		default:
			limit = l
		}
	}

	return Params{Page: page, Limit: limit, Offset: CalculateOffset(page, limit)}, nil
}

// CalculateOffset calculates offset from page and limit
func CalculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// FetchLimit is the number of rows to fetch so that HasMore can be decided
func (p Params) FetchLimit() int {
	return p.Limit + 1
}

// Build trims a result fetched with FetchLimit() rows down to the window
func Build[T any](p Params, fetched []T) Page[T] {
	out := Page[T]{Page: p.Page, Limit: p.Limit, Items: fetched}
	if len(fetched) > p.Limit {
		out.HasMore = true
		out.Items = fetched[:p.Limit]
	}
	if out.Items == nil {
		out.Items = []T{}
	}
	return out
}
