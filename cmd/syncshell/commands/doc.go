// Package commands defines the syncshell CLI and wires dependencies for subcommands.
//
// Commands
//
//   - create       Create a group and print its credentials
//   - join         Join a group from its name and shared secret
//   - list         List joined groups with roster and connections
//   - remove       Forget a group
//   - suspend      Stop reconnecting to a group
//   - resume       Reconnect to a group again
//   - fingerprint  Print the identity fingerprint, or a group hash
//   - host         Issue an invite and accept answers, then stay connected
//   - accept       Accept an invite, print the answer code, then stay connected
//
// # Implementation
//
// The root command loads the TOML config, applies flag overrides, builds the
// logger and the dependency graph (app.Wire) and starts the session manager
// before any subcommand runs. host and accept stay in the foreground: each
// stdin line is either an answer code or text broadcast to the group.
package commands
