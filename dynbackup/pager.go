// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynbackup

import (
	"context"
	"io"
)

// PageFunc fetches the page starting at cursor.  The zero value of C
// requests the first page.  more is false once the final page has been
// returned.
type PageFunc[T, C any] func(ctx context.Context, cursor C) (items []T, next C, more bool, err error)

// Pager lazily walks a cursor paginated listing.  Pages are only fetched as
// Next is called.
type Pager[T, C any] struct {
	fetch  PageFunc[T, C]
	cursor C
	done   bool
}

// NewPager returns a Pager that starts from the first page.
func NewPager[T, C any](fetch PageFunc[T, C]) *Pager[T, C] {
	return &Pager[T, C]{fetch: fetch}
}

// Next returns the next page of items.  It returns io.EOF once every page
// has been returned.  Empty intermediate pages are skipped.
func (p *Pager[T, C]) Next(ctx context.Context) ([]T, error) {
	for !p.done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, next, more, err := p.fetch(ctx, p.cursor)
		if err != nil {
			return nil, err
		}
		p.cursor = next
		p.done = !more
		if len(items) > 0 {
			return items, nil
		}
	}
	return nil, io.EOF
}

// Reset restarts the pager from the first page.
func (p *Pager[T, C]) Reset() {
	var zero C
	p.cursor = zero
	p.done = false
}

// CollectAll drains the pager into a single slice.
func CollectAll[T, C any](ctx context.Context, p *Pager[T, C]) ([]T, error) {
	var result []T
	for {
		page, err := p.Next(ctx)
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result = append(result, page...)
	}
}
