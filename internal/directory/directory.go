package directory

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMissingSignatures is returned by RemoveMember when no signature is carried.
	ErrMissingSignatures = errors.New("directory: removal carries no signatures")
	// ErrCorrupt is returned when a serialized directory cannot be decoded.
	ErrCorrupt = errors.New("directory: corrupt snapshot")
)

// MemberKey identifies a member: the hex Ed25519 public key, or a
// NameKey-derived key for peers only known by display name.
type MemberKey string

const nameKeyPrefix = "name:"

// NameKey returns the key used for a member known only by display name.
func NameKey(name string) MemberKey { return MemberKey(nameKeyPrefix + name) }

// IsNameKey reports whether k is a display-name placeholder.
func (k MemberKey) IsNameKey() bool { return strings.HasPrefix(string(k), nameKeyPrefix) }

// Endpoint is a member's last advertised network address.
type Endpoint struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// MemberRecord is a live directory entry.
type MemberRecord struct {
	Key           MemberKey
	Name          string
	Endpoint      Endpoint
	Uptime        uint64
	EntrySequence uint64
	LastSeen      time.Time
	Capabilities  []string
}

// Tombstone records the removal of a key.
type Tombstone struct {
	Key             MemberKey
	RemovalSequence uint64
	Signatures      [][]byte
	Timestamp       time.Time
}

// Directory is safe for concurrent use.
type Directory struct {
	mu         sync.RWMutex
	sequence   uint64
	members    map[MemberKey]MemberRecord
	tombstones []Tombstone
	now        func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the clock used to stamp LastSeen and tombstones.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New returns an empty directory.
func New(opts ...Option) *Directory {
	d := &Directory{
		members: make(map[MemberKey]MemberRecord),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// stamp truncates to the serialized precision so round trips are exact.
func (d *Directory) stamp() time.Time {
	return time.UnixMilli(d.now().UnixMilli()).UTC()
}

func (d *Directory) next() uint64 {
	d.sequence++
	return d.sequence
}

// Sequence returns the current value of the counter.
func (d *Directory) Sequence() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sequence
}

// AddOrReplaceMember inserts or replaces the record for key, drawing a new
// sequence and stamping LastSeen. Uptime is preserved across replacement.
func (d *Directory) AddOrReplaceMember(key MemberKey, name string, ep Endpoint, caps ...string) MemberRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := MemberRecord{
		Key:           key,
		Name:          name,
		Endpoint:      ep,
		EntrySequence: d.next(),
		LastSeen:      d.stamp(),
		Capabilities:  append([]string(nil), caps...),
	}
	if prev, ok := d.members[key]; ok {
		rec.Uptime = prev.Uptime
		if rec.Name == "" {
			rec.Name = prev.Name
		}
	}
	d.members[key] = rec
	return rec.clone()
}

// UpdateEndpoint refreshes the endpoint and LastSeen of a live member
// without drawing a new sequence. It reports whether the member exists.
func (d *Directory) UpdateEndpoint(key MemberKey, ep Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.members[key]
	if !ok {
		return false
	}
	rec.Endpoint = ep
	rec.LastSeen = d.stamp()
	d.members[key] = rec
	return true
}

// IncrementUptime advances the uptime counter of a live member.
func (d *Directory) IncrementUptime(key MemberKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.members[key]
	if !ok {
		return false
	}
	rec.Uptime++
	rec.LastSeen = d.stamp()
	d.members[key] = rec
	return true
}

// RemoveMember deletes the live record for key and appends a tombstone.
// At least one signature must be carried; they are not verified here.
func (d *Directory) RemoveMember(key MemberKey, signatures [][]byte) (Tombstone, error) {
	if len(signatures) == 0 {
		return Tombstone{}, ErrMissingSignatures
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sigs := make([][]byte, len(signatures))
	for i, s := range signatures {
		sigs[i] = append([]byte(nil), s...)
	}
	t := Tombstone{
		Key:             key,
		RemovalSequence: d.next(),
		Signatures:      sigs,
		Timestamp:       d.stamp(),
	}
	delete(d.members, key)
	d.tombstones = append(d.tombstones, t)
	return t.clone(), nil
}

// IsRemoved reports whether key carries a tombstone newer than any live
// entry for it. The scan is linear in the number of tombstones.
func (d *Directory) IsRemoved(key MemberKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var latest uint64
	found := false
	for _, t := range d.tombstones {
		if t.Key == key && t.RemovalSequence >= latest {
			latest = t.RemovalSequence
			found = true
		}
	}
	if !found {
		return false
	}
	if rec, ok := d.members[key]; ok && rec.EntrySequence > latest {
		return false
	}
	return true
}

// DropShadowedNames deletes name-only placeholders whose display name is
// also carried by a keyed live member. Placeholders are a local view, so no
// tombstone is written. It returns the dropped keys in key order.
func (d *Directory) DropShadowedNames() []MemberKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	keyed := make(map[string]struct{})
	for k, rec := range d.members {
		if !k.IsNameKey() && rec.Name != "" {
			keyed[rec.Name] = struct{}{}
		}
	}
	var dropped []MemberKey
	for k, rec := range d.members {
		if !k.IsNameKey() {
			continue
		}
		if _, ok := keyed[rec.Name]; ok {
			delete(d.members, k)
			dropped = append(dropped, k)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return dropped
}

// Get returns the live record for key.
func (d *Directory) Get(key MemberKey) (MemberRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.members[key]
	if !ok {
		return MemberRecord{}, false
	}
	return rec.clone(), true
}

// Len returns the number of live members.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// Members returns the live records sorted by key.
func (d *Directory) Members() []MemberRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedMembersLocked()
}

// Tombstones returns the tombstones ordered by removal sequence.
func (d *Directory) Tombstones() []Tombstone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedTombstonesLocked()
}

// LongestUptimeMember returns the live member with the highest uptime
// counter, ties broken by the lower key.
func (d *Directory) LongestUptimeMember() (MemberRecord, bool) {
	return d.LongestUptimeWhere(nil)
}

// LongestUptimeWhere is LongestUptimeMember restricted to records keep
// accepts. A nil keep accepts every record. The session manager uses it to
// pick the most stable reachable peer to relay a mesh join through.
func (d *Directory) LongestUptimeWhere(keep func(MemberRecord) bool) (MemberRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best MemberRecord
	found := false
	for _, rec := range d.members {
		if keep != nil && !keep(rec) {
			continue
		}
		switch {
		case !found:
		case rec.Uptime > best.Uptime:
		case rec.Uptime == best.Uptime && rec.Key < best.Key:
		default:
			continue
		}
		best = rec
		found = true
	}
	return best.clone(), found
}

// Names is the display projection of the directory: live member names in
// join order, without duplicates.
func (d *Directory) Names() []string {
	d.mu.RLock()
	recs := make([]MemberRecord, 0, len(d.members))
	for _, rec := range d.members {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].EntrySequence != recs[j].EntrySequence {
			return recs[i].EntrySequence < recs[j].EntrySequence
		}
		return recs[i].Key < recs[j].Key
	})
	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.Name == "" {
			continue
		}
		if _, dup := seen[rec.Name]; dup {
			continue
		}
		seen[rec.Name] = struct{}{}
		out = append(out, rec.Name)
	}
	return out
}

// Merge folds other into d. For every key the newest of the live records and
// tombstones from both copies wins; a tombstone wins a sequence tie. The
// local counter advances to the larger of the two counters.
func (d *Directory) Merge(other *Directory) {
	if other == nil || other == d {
		return
	}
	other.mu.RLock()
	remoteSeq := other.sequence
	remoteMembers := other.sortedMembersLocked()
	remoteTombs := other.sortedTombstonesLocked()
	other.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if remoteSeq > d.sequence {
		d.sequence = remoteSeq
	}

	type tkey struct {
		key MemberKey
		seq uint64
	}
	known := make(map[tkey]struct{}, len(d.tombstones))
	for _, t := range d.tombstones {
		known[tkey{t.Key, t.RemovalSequence}] = struct{}{}
	}
	for _, t := range remoteTombs {
		if _, ok := known[tkey{t.Key, t.RemovalSequence}]; ok {
			continue
		}
		d.tombstones = append(d.tombstones, t)
	}
	sort.SliceStable(d.tombstones, func(i, j int) bool {
		return lessTombstone(d.tombstones[i], d.tombstones[j])
	})

	for _, rec := range remoteMembers {
		cur, ok := d.members[rec.Key]
		if !ok || newerRecord(rec, cur) {
			d.members[rec.Key] = rec
		}
	}

	latestRemoval := make(map[MemberKey]uint64, len(d.tombstones))
	for _, t := range d.tombstones {
		if t.RemovalSequence > latestRemoval[t.Key] {
			latestRemoval[t.Key] = t.RemovalSequence
		}
	}
	for key, rec := range d.members {
		if seq, ok := latestRemoval[key]; ok && seq >= rec.EntrySequence {
			delete(d.members, key)
		}
	}
}

// Clone returns an independent deep copy.
func (d *Directory) Clone() *Directory {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := &Directory{
		sequence:   d.sequence,
		members:    make(map[MemberKey]MemberRecord, len(d.members)),
		tombstones: make([]Tombstone, 0, len(d.tombstones)),
		now:        d.now,
	}
	for k, rec := range d.members {
		out.members[k] = rec.clone()
	}
	for _, t := range d.tombstones {
		out.tombstones = append(out.tombstones, t.clone())
	}
	return out
}

func (d *Directory) sortedMembersLocked() []MemberRecord {
	out := make([]MemberRecord, 0, len(d.members))
	for _, rec := range d.members {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (d *Directory) sortedTombstonesLocked() []Tombstone {
	out := make([]Tombstone, 0, len(d.tombstones))
	for _, t := range d.tombstones {
		out = append(out, t.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return lessTombstone(out[i], out[j]) })
	return out
}

func lessTombstone(a, b Tombstone) bool {
	if a.RemovalSequence != b.RemovalSequence {
		return a.RemovalSequence < b.RemovalSequence
	}
	return a.Key < b.Key
}

// newerRecord decides between two live records for the same key.
func newerRecord(candidate, current MemberRecord) bool {
	if candidate.EntrySequence != current.EntrySequence {
		return candidate.EntrySequence > current.EntrySequence
	}
	if !candidate.LastSeen.Equal(current.LastSeen) {
		return candidate.LastSeen.After(current.LastSeen)
	}
	return candidate.Uptime > current.Uptime
}

func (r MemberRecord) clone() MemberRecord {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	return out
}

func (t Tombstone) clone() Tombstone {
	out := t
	out.Signatures = make([][]byte, len(t.Signatures))
	for i, s := range t.Signatures {
		out.Signatures[i] = append([]byte(nil), s...)
	}
	return out
}
