// Package invite encodes the strings peers exchange out-of-band to join a
// syncshell, and picks which kind a host should hand out.
//
// Manual invite:  <groupName>:<sharedSecret>:<blob>:host
// Answer code:    <groupHash>:<blob>
// Bootstrap code: BOOTSTRAP:<std base64 JSON>
//
// Blobs are XChaCha20-Poly1305 sealed JSON under the group's symmetric key
// with the group hash as associated data, rendered as unpadded URL-safe
// base64 so they never contain the ':' separator. Transport negotiation data
// inside a blob is opaque to this package.
package invite
