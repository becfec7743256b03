// Package mongo registers MongoDB-backed session event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an eventlog.Store that persists append-only session events with a
// unique (session_id, seq) index enforcing the ordering contract.
package mongo
