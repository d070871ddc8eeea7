// Package fixtures provides the entity kinds the repository and streaming
// tests work with: authors owning books through a cascading relation.
package fixtures
