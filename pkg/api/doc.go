/*
Package api serves the control plane's HTTP surface: a JSON REST API under
/api/v1 plus unauthenticated /health and /metrics endpoints.

# Architecture

	┌───────────────────────── HTTP SERVER ────────────────────────┐
	│                                                               │
	│  /health  /metrics            (no auth)                       │
	│  /api/v1/...                                                  │
	│    request id → real ip → logging → recover                   │
	│    → bearer auth (constant-time) → per-IP rate limit          │
	│    → machines / containers / deployments / metrics            │
	│      rules / alerts / notifications / system / events (SSE)   │
	│                                                               │
	│  handlers call services; services return errdefs errors;      │
	│  writeError maps them to {"error": {code, message, details}}  │
	└───────────────────────────────────────────────────────────────┘

Handlers hold no business logic. Each route decodes its request, calls one
service method, and writes the result; every error funnels through the
errdefs HTTP mapping so the wire codes match the error taxonomy exactly.

The service dependencies are small interfaces declared here on the consumer
side, so handler tests run against in-memory fakes without SSH, postgres,
or a live engine.

/api/v1/events streams broker events as SSE. The stream bypasses the
per-request timeout and sends a comment heartbeat so idle proxies keep the
connection open.
*/
package api
