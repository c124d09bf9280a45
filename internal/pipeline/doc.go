// Package pipeline wires the deduplicator, the identity resolver and the
// attendance reconciler into the single path every punch takes, whatever
// transport delivered it.
//
// # Processing
//
// Ingest admits an event (fingerprint insert), resolves its device-local
// identity and, when an employee is found, applies the punch to attendance
// and marks the event processed. The event is durable once admitted: an
// unresolved event, or one whose attendance update failed, stays
// unprocessed and is picked up by Reresolve.
//
// # Deferred resolution
//
// Schedule queues an organization for re-resolution, typically after an
// identity mapping changed. Run drains that queue and periodically sweeps
// every organization, so a transient reconcile failure heals without an
// operator.
//
// Applying a punch twice is harmless because attendance boundaries are
// monotonic; MarkProcessed records the outcome at most once.
package pipeline
