// Package audit records every authentication-relevant action as an
// immutable event. Events are append-only; nothing in this package
// mutates or deletes a recorded event except the retention sweep.
package audit
