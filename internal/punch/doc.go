// Package punch provides the transport-agnostic domain types of punchsync.
//
// All other internal packages import punch; punch imports nothing internal.
//
// Key constraints:
//   - RawPunchEvent timestamps are always stored in UTC
//   - Fingerprints are computed only via Fingerprint (canonical JSON + SHA-256
//     with domain separation) so push, poll and replay paths collide
//   - AttendanceRecord clock boundaries are instants presented in the
//     organization zone; Date is the organization-local calendar day
//   - All JSON tags use snake_case
package punch
