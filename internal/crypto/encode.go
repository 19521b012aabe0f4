package crypto

import "encoding/base64"

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// B64URL returns unpadded URL-safe base64. Its alphabet never contains ':',
// so the result can be embedded in colon-delimited codes.
func B64URL(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// FromB64URL decodes the output of B64URL.
func FromB64URL(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
