// Package gateway serves the HTTP surface of punchsync: the device push and
// heartbeat endpoints, the token-protected admin API, and the operational
// liveness, readiness and drain endpoints.
//
// Push authentication:
//
//   - X-Device-Key identifies the device. Unknown keys and devices an
//     administrator deactivated are rejected with 401. A device deactivated
//     by silence is reactivated by any authenticated request.
//   - X-Signature, when present, must be the lowercase hex HMAC-SHA256 of the
//     raw request body under the device signing secret.
//   - A device with a signing secret must sign when require_signature is set.
//
// Rejected payloads that authenticated but failed validation are recorded
// as ingestion errors and answered with 400.
package gateway
