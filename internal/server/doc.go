// Package server implements the relay's WebSocket transport and the engine
// behind it.
//
// The implementation is organized into specialized files: configuration,
// hub management, clients and their pumps, the per-connection session state
// machine, presence and chat routing, metrics and HTTP handlers.
package server
