// populate.go
package querycache

import (
	"context"
	"fmt"
)

// drainBatchSize is how many items the background continuation buffers
// between inserts.
const drainBatchSize = 256

// populate drains the fetch source far enough to cover the requested page,
// persists that prefix in one batch, and hands the rest of the source to a
// detached background continuation. If the source is exhausted first, the
// total is known and recorded immediately and no continuation starts.
func (e *Engine) populate(ctx context.Context, header *Header, source FetchSource, page, size int, have int64) (*ResultPage, error) {
	need := int64(page+1) * int64(size)

	buf := make([]any, 0, int(need-have))
	exhausted := false
	for have+int64(len(buf)) < need {
		item, ok, err := source.Next(ctx)
		if err != nil {
			e.config.logger.Warn("Fetch source failed, returning degraded page",
				"client_id", header.ClientID, "collection", header.CollectionName, "error", err)
			return e.degradedPage(header, page, size), nil
		}
		if !ok {
			exhausted = true
			break
		}
		buf = append(buf, item)
	}

	if len(buf) > 0 {
		if err := e.config.store.InsertItems(ctx, header.CollectionName, buf); err != nil {
			e.config.logger.Error("Failed to persist fetched items, returning degraded page",
				"collection", header.CollectionName, "count", len(buf), "error", err)
			return e.degradedPage(header, page, size), nil
		}
	}

	count := have + int64(len(buf))

	if exhausted {
		// The source yielded fewer items than the requested window; the total
		// is known without a background drain.
		if err := e.config.store.SetTotalElements(ctx, header.ClientID, header.SearchParams, count); err != nil {
			e.config.logger.Error("Failed to record total elements",
				"collection", header.CollectionName, "error", err)
		} else {
			header.TotalElements = &count
		}
	} else {
		e.launchDrain(header, source)
	}

	return e.readPage(ctx, header, page, size, count)
}

// launchDrain starts the background continuation for header unless one is
// already in flight for its collection.
func (e *Engine) launchDrain(header *Header, source FetchSource) {
	e.drainMu.Lock()
	if _, inFlight := e.draining[header.CollectionName]; inFlight {
		e.drainMu.Unlock()
		return
	}
	e.draining[header.CollectionName] = struct{}{}
	e.drainMu.Unlock()

	headerCopy := *header
	e.wg.Add(1)
	go e.drainRemaining(&headerCopy, source)
}

// drainRemaining drains the fetch source to exhaustion, inserts the remaining
// items in batches, and records the final collection count as the header's
// total element count. It is detached from the originating request: it uses a
// background context and runs to completion or internal failure. Failures
// stop the drain without retry; the header's total stays unknown.
func (e *Engine) drainRemaining(header *Header, source FetchSource) {
	defer e.wg.Done()
	defer func() {
		e.drainMu.Lock()
		delete(e.draining, header.CollectionName)
		e.drainMu.Unlock()
	}()

	ctx := context.Background()
	batch := make([]any, 0, drainBatchSize)

	for {
		item, ok, err := source.Next(ctx)
		if err != nil {
			e.config.logger.Warn("Fetch source failed during background drain",
				"client_id", header.ClientID, "collection", header.CollectionName, "error", err)
			return
		}
		if !ok {
			break
		}

		batch = append(batch, item)
		if len(batch) >= drainBatchSize {
			if err := e.config.store.InsertItems(ctx, header.CollectionName, batch); err != nil {
				e.config.logger.Error("Failed to persist items during background drain",
					"collection", header.CollectionName, "error", err)
				return
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := e.config.store.InsertItems(ctx, header.CollectionName, batch); err != nil {
			e.config.logger.Error("Failed to persist items during background drain",
				"collection", header.CollectionName, "error", err)
			return
		}
	}

	total, err := e.config.store.CountItems(ctx, header.CollectionName)
	if err != nil {
		e.config.logger.Error("Failed to count collection after background drain",
			"collection", header.CollectionName, "error", err)
		return
	}

	if err := e.config.store.SetTotalElements(ctx, header.ClientID, header.SearchParams, total); err != nil {
		e.config.logger.Error("Failed to record total elements after background drain",
			"collection", header.CollectionName, "error", err)
		return
	}

	e.config.logger.Debug("Background drain complete",
		"client_id", header.ClientID, "collection", header.CollectionName, "total", total)
}

// readPage answers the requested window from the backing collection. This is
// the cache-hit path; the miss path funnels through it after populating, so
// both return the same shape.
func (e *Engine) readPage(ctx context.Context, header *Header, page, size int, count int64) (*ResultPage, error) {
	items, err := e.config.store.Items(ctx, header.CollectionName, page*size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %q: %w", header.CollectionName, err)
	}
	if items == nil {
		items = []any{}
	}

	// Approximate while population is incomplete: reflects only the items
	// persisted so far. Exact once the total is known.
	hasNext := count/int64(size) > int64(page)
	if header.TotalElements != nil {
		hasNext = int64(page+1)*int64(size) < *header.TotalElements
	}

	return &ResultPage{
		Page:          page,
		Size:          size,
		HasNextPage:   hasNext,
		TotalElements: header.TotalElements,
		Items:         items,
	}, nil
}

// degradedPage is returned when the fetch source fails mid-drain: the request
// pipeline keeps working, the page is just empty. A known total is preserved;
// otherwise it reports zero.
func (e *Engine) degradedPage(header *Header, page, size int) *ResultPage {
	total := header.TotalElements
	if total == nil {
		zero := int64(0)
		total = &zero
	}
	return &ResultPage{
		Page:          page,
		Size:          size,
		HasNextPage:   false,
		TotalElements: total,
		Items:         []any{},
	}
}
