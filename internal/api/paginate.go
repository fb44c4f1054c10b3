package api

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
)

// DefaultPageLimit is the page size used when none is given. DRACOON caps
// list endpoints at 500 items per request.
const DefaultPageLimit = 500

// Range is the paging cursor returned by DRACOON list endpoints.
type Range struct {
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit"`
	// Total is nil when the endpoint does not report it.
	Total *int64 `json:"total,omitempty"`
}

// Page is one page of a ranged list response.
type Page[T any] struct {
	Range Range `json:"range"`
	Items []T   `json:"items"`
}

// PageFetcher retrieves the page starting at offset.
type PageFetcher[T any] func(ctx context.Context, offset, limit int64) (Page[T], error)

// PageState is the paginator's position in its lifecycle.
type PageState int

const (
	StateFetching PageState = iota
	StateHasItems
	StateExhausted
)

func (s PageState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateHasItems:
		return "has-items"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Paginator turns repeated page fetches into a lazy, forward-only item
// sequence. It is not safe for concurrent use and cannot be rewound;
// create a new one to start over.
type Paginator[T any] struct {
	fetch  PageFetcher[T]
	offset int64
	limit  int64
	total  int64
	state  PageState
}

// NewPaginator creates a paginator that requests limit items per page.
func NewPaginator[T any](fetch PageFetcher[T], limit int64) *Paginator[T] {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	return &Paginator[T]{fetch: fetch, limit: limit, total: -1}
}

// State returns the current lifecycle state.
func (p *Paginator[T]) State() PageState {
	return p.state
}

// Total returns the most recently reported total, or -1 until a page
// reports one.
func (p *Paginator[T]) Total() int64 {
	return p.total
}

// Offset returns the offset of the next page.
func (p *Paginator[T]) Offset() int64 {
	return p.offset
}

// NextPage fetches the next page. Once exhausted it returns nil without
// issuing a request. On error the cursor is left unchanged.
func (p *Paginator[T]) NextPage(ctx context.Context) ([]T, error) {
	if p.state == StateExhausted {
		return nil, nil
	}

	prev := p.state
	p.state = StateFetching

	page, err := p.fetch(ctx, p.offset, p.limit)
	if err != nil {
		p.state = prev
		return nil, err
	}

	// A total that changes between pages is trusted as last reported.
	// Without any total only an empty page ends the listing.
	if page.Range.Total != nil {
		p.total = *page.Range.Total
	}

	p.offset += int64(len(page.Items))

	if len(page.Items) == 0 || (p.total >= 0 && p.offset >= p.total) {
		p.state = StateExhausted
	} else {
		p.state = StateHasItems
	}

	return page.Items, nil
}

// All returns the remaining items as a lazy sequence. Breaking out of the
// loop stops further fetches. A fetch error is yielded once and ends the
// sequence.
func (p *Paginator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for p.state != StateExhausted {
			items, err := p.NextPage(ctx)
			if err != nil {
				var zero T
				yield(zero, err)

				return
			}

			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// Collect drains the paginator into a slice.
func (p *Paginator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T

	for item, err := range p.All(ctx) {
		if err != nil {
			return out, err
		}

		out = append(out, item)
	}

	return out, nil
}

// ListParams are the common filter, sort and paging parameters of DRACOON
// list endpoints. Extra carries endpoint-specific query parameters.
type ListParams struct {
	Filter string
	Sort   string
	Limit  int64
	Extra  url.Values
}

// JSONPages adapts a DRACOON list endpoint to a PageFetcher.
func JSONPages[T any](c *Client, path string, params ListParams) PageFetcher[T] {
	return func(ctx context.Context, offset, limit int64) (Page[T], error) {
		q := url.Values{}
		for k, vs := range params.Extra {
			q[k] = append([]string(nil), vs...)
		}

		q.Set("offset", strconv.FormatInt(offset, 10))
		q.Set("limit", strconv.FormatInt(limit, 10))

		if params.Filter != "" {
			q.Set("filter", params.Filter)
		}

		if params.Sort != "" {
			q.Set("sort", params.Sort)
		}

		var page Page[T]
		if err := c.DoJSON(ctx, &Request{Path: path, Query: q}, &page); err != nil {
			return Page[T]{}, fmt.Errorf("listing %s at offset %d: %w", path, offset, err)
		}

		return page, nil
	}
}

// Paginate is shorthand for NewPaginator(JSONPages(...), params.Limit).
func Paginate[T any](c *Client, path string, params ListParams) *Paginator[T] {
	return NewPaginator(JSONPages[T](c, path, params), params.Limit)
}
