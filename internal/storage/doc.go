// Package storage persists what the gateway must keep across restarts:
//
//   - Provider credentials, one record per session id
//   - The delivery log, one row per recipient result
//
// Two drivers exist: "file" (a directory tree, no dependencies) and "sqlite"
// (a single database file). Credential bytes can be sealed at rest with a
// passphrase.
package storage
