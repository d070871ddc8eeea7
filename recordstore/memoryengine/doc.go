// Package memoryengine provides an in-memory implementation of
// recordstore.Session backed by cloned table state: a session stages changes
// on a copy and swaps it in on commit. It exists for tests and for embedding
// the repository without a database; the postgresengine package is the
// production engine.
package memoryengine
