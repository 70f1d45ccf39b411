// Package storage is the key/value persistence layer behind the reminder
// document, the legacy settings keys, and goal progress documents.
package storage
