// Package terminal is the device-session façade over one payment terminal.
//
// A Session owns the connectivity state machine and at most one outstanding
// transaction. Transaction results arrive through the Pending completion slot;
// connectivity changes and responses nobody asked for go to the single
// Subscriber registered on the Relay.
package terminal
