// Package reminders runs the reminder engine: it owns the rule document,
// keeps one timer per alert offset armed for every enabled rule, drives the
// water interval gate and hands due reminders to a notifier.Dispatcher.
//
// All mutations and fires run on a single serial executor.
package reminders
