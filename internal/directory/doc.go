// Package directory implements the membership directory ("phonebook") of a
// syncshell: a tombstoned, sequence-ordered roster of member records.
//
// Every mutation that changes ownership of a key (add/replace, remove) draws
// a fresh value from one monotonically increasing counter. Entry and removal
// sequences therefore share a total order, which Merge uses for
// last-writer-wins reconciliation between independently evolving copies.
//
// Removal is advisory. RemoveMember requires that signatures are carried but
// does not count or verify them; a quorum policy belongs to the integrating
// system. AddOrReplaceMember does not consult tombstones: callers that want
// remove-then-rejoin to be refused must check IsRemoved first.
//
// The serialized form is deterministic (members sorted by key, tombstones by
// sequence, timestamps in unix milliseconds) so replaying the same operations
// on two instances yields identical bytes.
package directory
