// Package devserver serves the build output during development.
//
// The server binds the configured port strictly (or takes a systemd
// activated socket) and serves the output directory with caching disabled.
// When a rebuild secret is configured, POST /-/rebuild with a
// X-Hub-Signature-256 HMAC of the body triggers a debounced rebuild. At most
// one build runs at a time and at most one more is queued behind it.
package devserver
