// Package mongo provides a MongoDB-backed implementation of the runtime
// session store. Build the low-level client via
// features/session/mongo/clients/mongo and pass it to NewStore so deployments
// can persist session lifecycle state and worker invocation metadata outside
// the core runtime.
package mongo
