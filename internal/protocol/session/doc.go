// Package session owns terminal session settings shared by the façade and transports.
//
// Ownership boundary:
// - endpoint parsing/validation
// - connect, write and transaction timeouts
// - reconnect policy and its backoff schedule
// - client TLS settings for terminals that accept TLS sockets
package session
