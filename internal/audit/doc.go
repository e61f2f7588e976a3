// Package audit records one entry per relay call. Entries always go to a
// structured logger and can additionally be persisted to Postgres so that
// several relay replicas share one trail. Nothing in the relay reads the
// trail back.
package audit
