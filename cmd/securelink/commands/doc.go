// Package commands defines the securelink CLI.
//
// Commands
//
//   - keygen       Write a new P-256 key file
//   - fingerprint  Print the fingerprint of a key file
//   - demo         Run a handshake over an in-memory link and send one message
//   - listen       Accept sessions on a UDP address and chat line by line
//   - dial         Open a session to a remote listener and chat line by line
//
// Logging goes to stderr through logrus; --log-level and --log-json apply to
// every command.
package commands
