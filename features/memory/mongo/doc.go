// Package mongo registers MongoDB-backed cross-session memory storage. Use
// clients/mongo to build the low-level client and pass it to NewStore to obtain
// a memory.Store that persists namespaced entries with text-indexed search.
package mongo
