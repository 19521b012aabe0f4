package types

// NodeIdentity holds the local peer's long-term Ed25519 keys. The public key
// is the peer's key in every group's membership directory.
type NodeIdentity struct {
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}
