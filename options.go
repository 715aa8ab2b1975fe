package kiln

import (
	"context"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	concurrency int
	blobStore   BlobStore
	pricing     PricingFunc
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithWorkerConcurrency overrides the number of requests driven concurrently
// (KILN_WORKER_CONCURRENCY env var).
func WithWorkerConcurrency(n int) Option {
	return func(o *resolvedOptions) { o.concurrency = n }
}

// WithBlobStore replaces the S3/in-memory blob backend selected from config.
// The store receives every generated candidate's bytes and must return a URL
// judges can fetch the image from.
func WithBlobStore(s BlobStore) Option {
	return func(o *resolvedOptions) { o.blobStore = s }
}

// WithPricing replaces the rate-table pricing function built from config.
// The function is called with the request's new running totals after every
// usage increment; it must be pure.
func WithPricing(p PricingFunc) Option {
	return func(o *resolvedOptions) { o.pricing = p }
}

// BlobStore persists generated image bytes.
// Mirrors the internal blob contract so external consumers can plug in their
// own backend without importing internal packages.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}

// Usage is a request's accumulated provider usage.
type Usage struct {
	LLMTokens        int64
	ImageGenerations int64
	EmbeddingTokens  int64
}

// PricingFunc maps accumulated usage to an estimated cost in USD.
type PricingFunc func(Usage) float64
