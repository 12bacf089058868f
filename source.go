// source.go
package querycache

import "context"

// sliceSource yields the elements of a fixed slice in order.
type sliceSource struct {
	items []any
	pos   int
}

// NewSliceSource returns a FetchSource backed by a fixed, in-memory slice.
// Useful for callers whose upstream query returns all results at once, and
// for tests.
func NewSliceSource(items []any) FetchSource {
	return &sliceSource{items: items}
}

// Next yields the next element until the slice is exhausted.
func (s *sliceSource) Next(_ context.Context) (any, bool, error) {
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

// channelSource yields items received from a channel until it is closed.
type channelSource struct {
	ch <-chan any
}

// NewChannelSource returns a FetchSource that consumes items from ch until
// the channel is closed. The producer owns the channel lifecycle.
func NewChannelSource(ch <-chan any) FetchSource {
	return &channelSource{ch: ch}
}

// Next blocks on the channel or the context, whichever yields first.
func (s *channelSource) Next(ctx context.Context) (any, bool, error) {
	select {
	case item, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		return item, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// FuncSource adapts a plain function to the FetchSource interface.
type FuncSource func(ctx context.Context) (any, bool, error)

// Next invokes the wrapped function.
func (f FuncSource) Next(ctx context.Context) (any, bool, error) {
	return f(ctx)
}
