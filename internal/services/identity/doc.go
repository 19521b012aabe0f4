// Package identity manages creation, encryption and loading of the local node
// identity, and the input policy for group names and shared secrets.
//
// It enforces passphrase policy, generates the Ed25519 key pair, and persists
// it via the domain.IdentityStore.
package identity
