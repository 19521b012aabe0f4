// Package crypto exposes the primitives used by syncshell.
//
// Contents
//
//   - Group identity derivation from (name, shared secret) with Argon2id and
//     HKDF-SHA256 (DeriveGroup)
//   - Shared secret generation for new groups (GenerateSecret)
//   - XChaCha20-Poly1305 sealing of invite and answer payloads (SealPayload,
//     OpenPayload)
//   - Passphrase envelopes for secrets at rest (SealWithPassphrase,
//     OpenWithPassphrase)
//   - Ed25519 key generation, signing and verification
//   - Proof-of-possession challenges for rejoining a mesh (ChallengeProof,
//     VerifyChallenge)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// DeriveGroup is pure: the same (name, secret) pair yields the same group hash
// on every peer, which is what lets independently created sessions find each
// other. Derived key material should be wiped with memzero.Zero when no longer
// needed.
package crypto
