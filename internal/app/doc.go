// Package app wires application dependencies for the CLI.
//
// Config is loaded from a TOML file and overridden by command-line flags.
// NewWire builds the identity, the group store, the WebRTC transport
// factory, the optional relay client and the session manager from it.
package app
