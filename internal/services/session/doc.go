// Package session is the syncshell session manager.
//
// A Manager owns the joined groups, their membership directories, the
// connection registry and the control-plane router. It creates and joins
// groups, issues and accepts invites, completes manual handshakes from
// answer codes, and sends application data to connected peers.
//
// Persistence and the out-of-band relay are optional collaborators; without
// a store groups live only for the lifetime of the process.
package session
