package pagination

import (
	"fmt"
	"strconv"
)

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Response represents a paginated response. Total is unknown for streaming
// history, so HasMore tells clients whether to ask for the next page.
type Response struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
	Data    any  `json:"data"`
}

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Parse parses page and limit query parameters. Out of range values are
// clamped, malformed ones rejected.
func Parse(pageStr, limitStr string) (*Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = min(max(l, MinLimit), MaxLimit)
	}

	return &Params{
		Page:   page,
		Limit:  limit,
		Offset: CalculateOffset(page, limit),
	}, nil
}

// CalculateOffset calculates offset from page and limit
func CalculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// Build wraps one page of items. Callers fetch Limit+1 rows; the extra row
// only signals that another page exists and is cut off here.
func Build[T any](params *Params, items []T) *Response {
	hasMore := len(items) > params.Limit
	if hasMore {
		items = items[:params.Limit]
	}
	return &Response{
		Page:    params.Page,
		Limit:   params.Limit,
		HasMore: hasMore,
		Data:    items,
	}
}
