// Package main runs the in-memory HTTP drop-box that syncshell peers use as
// an out-of-band channel for invite and answer codes.
//
// HTTP API
//
//	POST /invite/{group}   replace the group's published invite
//	GET  /invite/{group}   fetch the latest invite
//	POST /answer/{group}   enqueue an answer code for the group's host
//	GET  /answer/{group}   drain queued answer codes
//	GET  /metrics          prometheus metrics
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Entries older than -ttl are dropped when read.
//   - Each group keeps at most -max-answers queued answers; the oldest go first.
//   - The default listen address is :8080.
//
// The relay never sees negotiation data in clear: manual invites and answers
// are sealed under the group key before they are posted.
package main
