// Package interfaces defines the core types and contracts shared across the
// federation registry: the persisted registry record shape, the record store
// boundary exposed to the reconciliation engine, and the name-keyed
// key/identity store boundary used by the authority hierarchy. It provides
// the contract between components without implementation details.
package interfaces
