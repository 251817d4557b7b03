// Package server implements the HTTP and WebSocket surface of chatboard.
//
// The implementation is organized into files for configuration, origin
// checks, rate limiting, middleware, metrics, routing, and HTTP handlers.
// App in server.go assembles the message store, the realtime publisher and
// hub, attachment storage, and the router into a runnable service.
package server
