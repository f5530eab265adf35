// Package notifier delivers one-off confirmation mails (item stored, storage
// extended, item picked up) in the background.
//
// The web UI fires these on operator actions and must not wait for SMTP, so
// Notify only enqueues. A small worker pool drains the queue; each job opens
// its own mail session.
//
// # Dedup
//
// A repeated click produces the same message. Identical messages inside the
// dedup window are dropped.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently delivered subjects.
package notifier
