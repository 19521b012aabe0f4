package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const snapshotVersion = 1

type wireMember struct {
	Key           MemberKey `json:"key"`
	Name          string    `json:"name,omitempty"`
	Endpoint      Endpoint  `json:"endpoint"`
	Uptime        uint64    `json:"uptime"`
	EntrySequence uint64    `json:"entry_seq"`
	LastSeen      int64     `json:"last_seen_ms"`
	Capabilities  []string  `json:"capabilities,omitempty"`
}

type wireTombstone struct {
	Key             MemberKey `json:"key"`
	RemovalSequence uint64    `json:"removal_seq"`
	Signatures      [][]byte  `json:"signatures"`
	Timestamp       int64     `json:"ts_ms"`
}

type wireDirectory struct {
	Version    int             `json:"version"`
	Sequence   uint64          `json:"sequence"`
	Members    []wireMember    `json:"members"`
	Tombstones []wireTombstone `json:"tombstones"`
}

// Marshal serializes the full directory. Equal directories produce equal bytes.
func (d *Directory) Marshal() ([]byte, error) {
	d.mu.RLock()
	members := d.sortedMembersLocked()
	tombs := d.sortedTombstonesLocked()
	w := wireDirectory{
		Version:    snapshotVersion,
		Sequence:   d.sequence,
		Members:    make([]wireMember, 0, len(members)),
		Tombstones: make([]wireTombstone, 0, len(tombs)),
	}
	d.mu.RUnlock()

	for _, m := range members {
		w.Members = append(w.Members, wireMember{
			Key:           m.Key,
			Name:          m.Name,
			Endpoint:      m.Endpoint,
			Uptime:        m.Uptime,
			EntrySequence: m.EntrySequence,
			LastSeen:      m.LastSeen.UnixMilli(),
			Capabilities:  m.Capabilities,
		})
	}
	for _, t := range tombs {
		w.Tombstones = append(w.Tombstones, wireTombstone{
			Key:             t.Key,
			RemovalSequence: t.RemovalSequence,
			Signatures:      t.Signatures,
			Timestamp:       t.Timestamp.UnixMilli(),
		})
	}
	return json.Marshal(w)
}

// Unmarshal decodes a snapshot produced by Marshal.
func Unmarshal(b []byte, opts ...Option) (*Directory, error) {
	var w wireDirectory
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if w.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, w.Version)
	}

	d := New(opts...)
	d.sequence = w.Sequence
	for _, m := range w.Members {
		if m.Key == "" {
			return nil, fmt.Errorf("%w: member without key", ErrCorrupt)
		}
		if m.EntrySequence > w.Sequence {
			return nil, fmt.Errorf("%w: member %s ahead of counter", ErrCorrupt, m.Key)
		}
		d.members[m.Key] = MemberRecord{
			Key:           m.Key,
			Name:          m.Name,
			Endpoint:      m.Endpoint,
			Uptime:        m.Uptime,
			EntrySequence: m.EntrySequence,
			LastSeen:      time.UnixMilli(m.LastSeen).UTC(),
			Capabilities:  append([]string(nil), m.Capabilities...),
		}
	}
	for _, t := range w.Tombstones {
		if t.RemovalSequence > w.Sequence {
			return nil, fmt.Errorf("%w: tombstone %s ahead of counter", ErrCorrupt, t.Key)
		}
		d.tombstones = append(d.tombstones, Tombstone{
			Key:             t.Key,
			RemovalSequence: t.RemovalSequence,
			Signatures:      t.Signatures,
			Timestamp:       time.UnixMilli(t.Timestamp).UTC(),
		})
	}
	return d, nil
}

// Equal reports whether d and other serialize to the same snapshot.
func (d *Directory) Equal(other *Directory) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}
	a, err := d.Marshal()
	if err != nil {
		return false
	}
	b, err := other.Marshal()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
