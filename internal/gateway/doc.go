// Package gateway is the minecloud HTTP server.
//
// # Endpoints
//
//	GET  /health               liveness
//	GET  /api/events           SSE stream of bus events (one bounded session per request)
//	POST /api/launch           create an instance and enqueue its launch; no-op if one is live
//	POST /api/terminate        mark shutting_down and enqueue teardown (instance_id in JSON or form)
//	GET  /api/instance         the live instance and its open presence sessions
//	POST /api/sessions/login   record the caller joining the live instance
//	POST /api/sessions/logout  close the caller's sessions on the live instance
//
// Every /api route sits behind auth.HTTPAuthMiddleware.
//
// # Run loop
//
// Run serves HTTP and works the job queue in one errgroup. Cancelling the
// context ends open event streams, shuts the server down, waits for the job
// workers, then closes the event bus and the registry.
//
// The listener is plain TCP on server.http_addr, or a tsnet node when
// tailscale.enabled is set (HTTPS with tailnet certs when tailscale.https is set).
package gateway
