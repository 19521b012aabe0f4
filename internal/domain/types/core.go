package types

// GroupHash is the hex identifier derived from a group's name and shared secret.
// It is the primary key used to correlate independently created sessions.
type GroupHash string

// String returns the string form of the hash.
func (h GroupHash) String() string { return string(h) }

// Short returns a log-friendly prefix of the hash.
func (h GroupHash) Short() string {
	if len(h) > 10 {
		return string(h[:10])
	}
	return string(h)
}

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SubjectID identifies the subject (player) an application payload belongs to.
type SubjectID string

// String returns the string form of the subject identifier.
func (s SubjectID) String() string { return string(s) }
