// Package devices supervises one connection worker per managed biometric
// terminal.
//
// # Worker states
//
//	Idle -> Connecting -> Polling | Streaming -> Backoff -> Connecting ...
//
// Connecting tries the primary transport, then the fallback once, each
// bounded by the connect timeout. A poll cycle fetches from the device's
// cursor, hands every record to the pipeline and advances the cursor to the
// cycle start only after the whole batch succeeded. A stream hands records
// over as they arrive and probes the link periodically.
//
// Any failure enters Backoff, which waits with exponential backoff between
// the configured base and cap. When no contact succeeded within the silence
// window the device is marked inactive (Deactivated) and retried at the same
// cadence; the next successful contact reactivates it.
//
// Workers are supervised by an errgroup. Sync starts workers for new managed
// devices and stops those of deleted or admin-deactivated ones.
package devices
