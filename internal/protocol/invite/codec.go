package invite

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncshell/internal/crypto"
	"syncshell/internal/domain"
)

var (
	// ErrMalformedCode is returned for codes that cannot be parsed or opened.
	// The wrapped message names the reason.
	ErrMalformedCode = errors.New("invite: malformed code")
	// ErrWrongGroup is returned when a code's group hash does not match the
	// credentials it carries or the group it is applied to.
	ErrWrongGroup = errors.New("invite: code belongs to another group")
)

const (
	BootstrapPrefix = "BOOTSTRAP:"
	HostMarker      = "host"
	sep             = ":"
)

// Kind is the detected encoding of a code.
type Kind int

const (
	KindManual Kind = iota + 1
	KindBootstrap
	KindAnswer
)

func (k Kind) String() string {
	switch k {
	case KindManual:
		return "manual"
	case KindBootstrap:
		return "bootstrap"
	case KindAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// OfferPayload is the sealed content of a manual invite.
type OfferPayload struct {
	InviteID string `json:"invite_id"`
	Offer    []byte `json:"offer"`
	HostName string `json:"host_name,omitempty"`
	HostKey  string `json:"host_key,omitempty"`
	IssuedAt int64  `json:"issued_at"`
}

// AnswerPayload is the sealed content of an answer code.
type AnswerPayload struct {
	InviteID string `json:"invite_id"`
	Answer   []byte `json:"answer"`
	Name     string `json:"name,omitempty"`
	Key      string `json:"key,omitempty"`
}

// Bootstrap is the clear content of a bootstrap code. It carries the shared
// secret, so the code must travel over a channel as trusted as the secret.
type Bootstrap struct {
	GroupName          string           `json:"group_name"`
	SharedSecret       string           `json:"shared_secret"`
	GroupHash          domain.GroupHash `json:"group_hash"`
	ConnectedPeerCount int              `json:"connected_peer_count"`
	Stale              bool             `json:"stale,omitempty"`
	IssuedAt           int64            `json:"issued_at"`
}

// Code is a parsed invite or answer code. Sealed blobs stay sealed until
// OpenOffer/OpenAnswer is called with the group's keys.
type Code struct {
	Kind         Kind
	GroupName    string
	SharedSecret string
	GroupHash    domain.GroupHash
	Blob         string
	Bootstrap    Bootstrap
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedCode, fmt.Sprintf(format, args...))
}

// EncodeManual seals offer under keys and renders name:secret:blob:host.
func EncodeManual(name, secret string, keys *crypto.GroupKeys, offer OfferPayload) (string, error) {
	if strings.Contains(name, sep) || strings.Contains(secret, sep) {
		return "", malformed("group name and secret must not contain %q", sep)
	}
	if offer.IssuedAt == 0 {
		offer.IssuedAt = time.Now().Unix()
	}
	blob, err := seal(keys, offer)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{name, secret, blob, HostMarker}, sep), nil
}

// EncodeAnswer seals answer under keys and renders groupHash:blob.
func EncodeAnswer(keys *crypto.GroupKeys, answer AnswerPayload) (string, error) {
	blob, err := seal(keys, answer)
	if err != nil {
		return "", err
	}
	return string(keys.Hash) + sep + blob, nil
}

// EncodeBootstrap renders BOOTSTRAP:<base64 JSON>.
func EncodeBootstrap(b Bootstrap) (string, error) {
	if b.IssuedAt == 0 {
		b.IssuedAt = time.Now().Unix()
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return BootstrapPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Parse detects the kind of code and decodes its clear structure.
func Parse(code string) (Code, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Code{}, malformed("empty code")
	}

	if rest, ok := strings.CutPrefix(code, BootstrapPrefix); ok && !strings.Contains(rest, sep) {
		return parseBootstrap(rest)
	}

	parts := strings.Split(code, sep)
	switch len(parts) {
	case 2:
		if !isGroupHash(parts[0]) {
			return Code{}, malformed("answer code has no valid group hash")
		}
		if parts[1] == "" {
			return Code{}, malformed("answer code has empty blob")
		}
		return Code{Kind: KindAnswer, GroupHash: domain.GroupHash(parts[0]), Blob: parts[1]}, nil
	case 4:
		for i, label := range []string{"group name", "shared secret", "negotiation blob"} {
			if parts[i] == "" {
				return Code{}, malformed("invite has empty %s", label)
			}
		}
		if parts[3] != HostMarker {
			return Code{}, malformed("unknown invite marker %q", parts[3])
		}
		return Code{Kind: KindManual, GroupName: parts[0], SharedSecret: parts[1], Blob: parts[2]}, nil
	default:
		return Code{}, malformed("expected 2 or 4 fields, got %d", len(parts))
	}
}

func parseBootstrap(enc string) (Code, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return Code{}, malformed("bootstrap payload is not base64")
	}
	var b Bootstrap
	if err := json.Unmarshal(raw, &b); err != nil {
		return Code{}, malformed("bootstrap payload is not JSON")
	}
	if b.GroupName == "" || b.SharedSecret == "" {
		return Code{}, malformed("bootstrap payload lacks group credentials")
	}
	if !isGroupHash(string(b.GroupHash)) {
		return Code{}, malformed("bootstrap payload has no valid group hash")
	}
	return Code{
		Kind:         KindBootstrap,
		GroupName:    b.GroupName,
		SharedSecret: b.SharedSecret,
		GroupHash:    b.GroupHash,
		Bootstrap:    b,
	}, nil
}

// VerifyBootstrap checks that the hash carried by a bootstrap code is the
// one its credentials derive.
func VerifyBootstrap(b Bootstrap, keys *crypto.GroupKeys) error {
	if b.GroupHash != keys.Hash {
		return ErrWrongGroup
	}
	return nil
}

// OpenOffer unseals a manual invite's blob.
func (c Code) OpenOffer(keys *crypto.GroupKeys) (OfferPayload, error) {
	var p OfferPayload
	if c.Kind != KindManual {
		return p, malformed("%s code carries no offer", c.Kind)
	}
	if err := open(keys, c.Blob, &p); err != nil {
		return p, err
	}
	if p.InviteID == "" || len(p.Offer) == 0 {
		return p, malformed("invite lacks offer")
	}
	return p, nil
}

// OpenAnswer unseals an answer code's blob.
func (c Code) OpenAnswer(keys *crypto.GroupKeys) (AnswerPayload, error) {
	var p AnswerPayload
	if c.Kind != KindAnswer {
		return p, malformed("%s code carries no answer", c.Kind)
	}
	if c.GroupHash != keys.Hash {
		return p, ErrWrongGroup
	}
	if err := open(keys, c.Blob, &p); err != nil {
		return p, err
	}
	if p.InviteID == "" || len(p.Answer) == 0 {
		return p, malformed("answer lacks negotiation data")
	}
	return p, nil
}

func seal(keys *crypto.GroupKeys, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return crypto.SealPayload(keys.SymmetricKey, raw, []byte(keys.Hash))
}

func open(keys *crypto.GroupKeys, blob string, v any) error {
	raw, err := crypto.OpenPayload(keys.SymmetricKey, blob, []byte(keys.Hash))
	if err != nil {
		return malformed("blob does not open under the group key")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed("sealed payload is not JSON")
	}
	return nil
}

func isGroupHash(s string) bool {
	if len(s) != 2*crypto.KeyBytes {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
