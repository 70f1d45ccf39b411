// Package notifier delivers reminder messages to the user.
//
// A Dispatcher reports one of three outcomes per message: Delivered,
// Suppressed (with a reason) or Failed. The chat implementation rate limits
// sends, retries transient failures with jittered exponential backoff and
// drops an identical message for the same rule inside a short dedup window.
//
// # Permission
//
// A chat that has blocked the bot is the daemon's equivalent of a revoked
// notification permission. The first forbidden send flips Permission to
// Denied; any inbound message from the target chat flips it back, since a
// blocked bot cannot receive messages.
package notifier
