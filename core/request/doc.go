// Package request describes what to load and how to post-process it.
//
// A [Request] is immutable once built by [New]. [Key] derives the string
// identity used both to coalesce concurrent loads and to address the memory
// cache, so two requests that produce the same pixels share one key.
package request
