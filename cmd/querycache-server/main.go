// Package main is the entry point for the querycache-server application.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CreativeUnicorns/querycache"
	"github.com/CreativeUnicorns/querycache/api"
	"github.com/CreativeUnicorns/querycache/store"
)

func main() {
	listenAddr := flag.String("listen-addr", ":8080", "HTTP listen address")
	storeKind := flag.String("store", "memory", "store backend: memory, sqlite, postgres or redis")
	storeDSN := flag.String("store-dsn", "querycache.db", "DSN / path / address for the selected store backend")
	ttl := flag.Duration("ttl", querycache.DefaultTTL, "lifetime of a cached query")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "how often to sweep expired queries (0 disables)")
	flag.Parse()

	logger := querycache.NewDefaultLogger()
	logger.Info("Querycache server starting up...")

	backend, err := newStore(*storeKind, *storeDSN)
	if err != nil {
		logger.Error("Failed to initialize store", "backend", *storeKind, "error", err)
		os.Exit(1)
	}

	engine, err := querycache.New(
		querycache.WithStore(backend),
		querycache.WithLogger(logger),
		querycache.WithTTL(*ttl),
		querycache.WithSweepInterval(*sweepInterval),
	)
	if err != nil {
		logger.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}

	apiServer, err := api.NewServer(api.Config{
		ListenAddress: *listenAddr,
		Engine:        engine,
		Sources:       demoSource,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("Failed to create API server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	// Close waits for in-flight background drains and closes the store.
	if err := engine.Close(); err != nil {
		logger.Error("Failed to close engine", "error", err)
	}

	logger.Info("Server exited gracefully")
}

func newStore(kind, dsn string) (querycache.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(dsn)
	case "postgres":
		return store.NewPostgresStore(dsn)
	case "redis":
		return store.NewRedisStore(dsn, "", 0)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// demoSource serves a small built-in catalog so the server is exercisable out
// of the box. Production deployments supply their own SourceResolver backed
// by the real search engine.
func demoSource(_ string, query map[string]any) querycache.FetchSource {
	term, _ := query["term"].(string)

	var matches []any
	for i, name := range demoCatalog {
		if term == "" || strings.Contains(name, term) {
			matches = append(matches, map[string]any{
				"id":   fmt.Sprintf("item-%d", i),
				"name": name,
			})
		}
	}
	return querycache.NewSliceSource(matches)
}

var demoCatalog = []string{
	"espresso machine", "espresso grinder", "filter brewer", "moka pot",
	"cold brew jar", "milk frother", "tamper", "scale", "kettle",
	"aeropress", "v60 dripper", "chemex", "french press", "siphon brewer",
	"knock box", "portafilter", "steam pitcher", "burr set", "drip tray",
	"descaler", "cleaning brush", "roasting drum", "green beans sampler",
	"single origin pack", "decaf blend",
}
