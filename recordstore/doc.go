// Package recordstore provides generic persistence and change-notification
// for record types in a relational store.
//
// A Repository is built once per entity kind from static Metadata (primary-key
// columns, field conversion, cascade-flagged relations) and offers lookup,
// pagination, create, update, delete and cascading delete over a caller-supplied
// transactional Session. Every committed mutation is published as a change
// Event on a per-kind Topic, which the changebus and livestream subpackages
// turn into live subscriptions and snapshot+tail streams.
//
// Absence is never an error: lookups return a false ok-flag or an empty slice.
// Store rejections surface as ErrPersistence after the session was rolled back,
// malformed sources as ErrValidation, and bad call parameters as
// ErrInvalidArgument.
package recordstore
