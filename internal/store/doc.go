// Package store provides file-based persistence for syncshell.
//
// It contains concrete implementations of the domain storage interfaces.
// Secrets never touch disk in clear: the identity and the group list (which
// carries every shared secret) are sealed with the passphrase envelope.
// Directory snapshots hold only public keys and display names and are
// written as plain JSON. All methods are concurrency-safe via internal
// locking and every write goes through a temp file and rename.
//
// The package includes stores for:
//   - The local node identity (IdentityFileStore)
//   - Joined groups and their directory snapshots (GroupFileStore)
package store
