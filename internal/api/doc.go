// Package api implements the HTTP control surface and WebSocket status
// stream of the connectivity service.
//
// This package provides:
//   - REST endpoints to create, modify, open, close, test and delete connections
//   - Per-connection metrics and transition history
//   - Signal injection into the targets of every running connection
//   - WebSocket hub broadcasting transitions and consumed signals
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, rate limit)
//   - Prometheus scrape endpoint at /metrics
//
// # Commands
//
// Every command handler waits for the connection client's reply, bounded
// by the command timeout. Failure replies are mapped to HTTP statuses:
// a command the current state does not accept is 409, a transport
// failure is 502 and an expired wait is 504.
//
// # Security
//
// Protected routes require an HS256 token signed with the configured
// secret. WebSocket connections use single-use tickets to prevent token
// leakage in URLs.
package api
