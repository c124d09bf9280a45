// Package store provides SQLite-backed durable storage for punchsync.
//
// The store holds:
//   - Organizations and employees (the consumed directory)
//   - Devices (registry, liveness and poll cursors)
//   - Identity mappings (device/global user id to employee)
//   - Punch events (append-only, fingerprint-unique)
//   - Attendance records (one row per employee per local date)
//   - Ingestion errors (rejected push payloads)
//
// # Idempotency
//
// InsertEvent uses ON CONFLICT(fingerprint) DO NOTHING and reports whether a
// row was inserted. A conflict is the normal duplicate outcome, not an error.
//
// # Attendance updates
//
// UpdateAttendance runs the caller's mutation inside an immediate
// transaction, so the read and the write of one (employee, date) row are
// atomic with respect to other connections. Callers retry on IsBusy.
//
// # Device deletion
//
// DeleteDevice detaches identity mappings and nulls the device reference on
// historical events. Punches and attendance are never deleted.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
