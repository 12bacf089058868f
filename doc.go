// Package querycache materializes and paginates the results of expensive,
// client-specific search queries behind a durable cache key.
//
// A request for a (client, query, page) triple is resolved against a registry
// of headers, one per distinct client/query pair. On a cache hit the page is
// answered straight from the backing store. On a miss the engine drains the
// caller-supplied fetch source just far enough to answer the request, then
// keeps draining in the background so later pages are served from the store.
// It supports multiple storage backends (PostgreSQL, SQLite, Redis, in-memory)
// and expires cached queries after a configurable TTL.
package querycache
