// Package cache provides the bounded in-memory store for decoded artifacts.
//
// Entries are weighted (by byte size or by count) and evicted in least
// recently used order. All implementations are safe for concurrent use: the
// dispatcher writes results while callers read on their own goroutines.
package cache
