package paging

import (
	"context"
	"errors"
	"iter"
)

// ErrPagerDone is returned by NextPage once the listing is complete or a
// previous page failed.
var ErrPagerDone = errors.New("paging: no more pages")

// Page is one segment of a listing.
type Page[T any] struct {
	Items []T
	// Continuation is nil exactly when no further pages remain.
	Continuation *ContinuationToken
}

// Done reports whether this page is the last one.
func (p Page[T]) Done() bool { return p.Continuation == nil }

// PageFunc fetches the page that starts at token. A nil token requests the
// first page.
type PageFunc[T any] func(ctx context.Context, token *ContinuationToken) (Page[T], error)

// Pager walks a listing one page at a time by feeding each page's
// continuation token into the next fetch. A Pager is not safe for concurrent
// use.
type Pager[T any] struct {
	fetch   PageFunc[T]
	token   *ContinuationToken
	started bool
	done    bool
	err     error
	pages   int
}

// NewPager returns a pager that starts at start (nil for the beginning).
func NewPager[T any](fetch PageFunc[T], start *ContinuationToken) *Pager[T] {
	return &Pager[T]{fetch: fetch, token: start}
}

// More reports whether another call to NextPage may return a page.
func (p *Pager[T]) More() bool {
	if p.done {
		return false
	}
	return !p.started || p.token != nil
}

// NextPage fetches the next page. On error the pager stops and the error is
// returned without a page; a failed page is never partially delivered.
func (p *Pager[T]) NextPage(ctx context.Context) (Page[T], error) {
	if !p.More() {
		if p.err != nil {
			return Page[T]{}, errors.Join(ErrPagerDone, p.err)
		}
		return Page[T]{}, ErrPagerDone
	}
	page, err := p.fetch(ctx, p.token)
	if err != nil {
		p.done = true
		p.err = err
		return Page[T]{}, err
	}
	p.started = true
	p.pages++
	p.token = page.Continuation
	if page.Continuation == nil {
		p.done = true
	}
	return page, nil
}

// Token returns the token the next NextPage call will send. Before the first
// page it is the start token passed to NewPager; after the last page it is
// nil.
func (p *Pager[T]) Token() *ContinuationToken { return p.token }

// Pages returns the number of pages fetched successfully so far.
func (p *Pager[T]) Pages() int { return p.pages }

// Err returns the error that stopped the pager, if any.
func (p *Pager[T]) Err() error { return p.err }

// Collect drains the pager and returns every item in order. If any page
// fails, Collect returns nil and the error.
func Collect[T any](ctx context.Context, p *Pager[T]) ([]T, error) {
	var out []T
	for p.More() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
	}
	return out, nil
}

// All returns a sequence over every item of the listing. A fetch failure is
// yielded once as (zero, err) and ends the sequence.
func All[T any](ctx context.Context, p *Pager[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for p.More() {
			page, err := p.NextPage(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}
