// Package ecr encodes electronic cash register requests for the payment terminal.
//
// Ownership boundary:
// - transaction types, command codes and per-type field layout
// - request string form (";"-separated, "!"-terminated)
// - packing into STX/ETX/LRC frames via the frame package
// - response field parsing
package ecr
