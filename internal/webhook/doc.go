// Package webhook is the HTTP transport for hookline.
//
// Each provider posts to its own path and the body is handed, byte for byte,
// to the ingest orchestrator, which owns verification, deduplication and
// dispatch. The server only enforces the body limit and maps the
// orchestrator's Response onto the wire.
//
// # Routes
//
//	POST /webhooks/{source}          payments | scm | identity | test
//	POST /admin/events/{id}/retry    bearer admin_api_key; absent when no key is set
//	GET  /healthz                    status, uptime, queue depth
//
// # Status codes
//
//   - 200: processed, already processed, or a terminal handler failure
//   - 400: body is not a valid provider payload
//   - 401: signature missing, malformed, mismatched or outside tolerance
//   - 404: unknown source
//   - 409: the same event is being processed elsewhere
//   - 413: body exceeds max_body_size
//   - 500: retryable handler failure or missing source secret
//
// Signature details never appear in responses; the log has them. Request
// bodies are never logged.
package webhook
