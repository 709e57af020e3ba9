package bitbucket

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// PageFetcher fetches one JSON document. *Client implements it.
type PageFetcher interface {
	GetJSON(ctx context.Context, creds Credentials, rawURL string, target any) error
}

// Page is one decoded batch of a cursor-paginated collection.
// An empty Next marks the last page.
type Page[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next,omitempty"`
}

// PaginateOption tunes FetchAll.
type PaginateOption func(*paginateOptions)

type paginateOptions struct {
	maxPages int
}

// WithMaxPages stops traversal with ErrPageLimit once more than n pages would be fetched.
// Zero or a negative n leaves traversal unbounded.
func WithMaxPages(n int) PaginateOption {
	return func(o *paginateOptions) {
		o.maxPages = n
	}
}

// FetchAll follows the next-cursor chain from firstURL and yields every value in page order.
// Each page is fetched with its own retry budget. The sequence is lazy and single-pass:
// ranging over it twice issues every request twice. The first error is yielded once and ends
// the sequence.
func FetchAll[T any](ctx context.Context, fetcher PageFetcher, creds Credentials, firstURL string, opts ...PaginateOption) iter.Seq2[T, error] {
	options := paginateOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return func(yield func(T, error) bool) {
		var zero T
		next := strings.TrimSpace(firstURL)
		if next == "" {
			yield(zero, fmt.Errorf("first page url is required"))
			return
		}

		pages := 0
		for next != "" {
			if options.maxPages > 0 && pages >= options.maxPages {
				yield(zero, fmt.Errorf("%w: more than %d pages starting at %s", ErrPageLimit, options.maxPages, firstURL))
				return
			}

			var page Page[T]
			if err := fetcher.GetJSON(ctx, creds, next, &page); err != nil {
				yield(zero, err)
				return
			}
			pages++

			for _, value := range page.Values {
				if !yield(value, nil) {
					return
				}
			}
			next = strings.TrimSpace(page.Next)
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var values []T
	for value, err := range seq {
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}
