// Package handler defines the decode capability consumed by the dispatcher.
//
// A [Handler] knows how to turn a request into a decoded artifact. Handlers
// are consulted in priority order and the first whose CanHandle reports true
// serves the request; [Unrecognized] terminates every list. Handler
// implementations live in the handler/ subpackages of this module.
package handler
