// Package rules holds the reminder document: custom rules, the fixed system
// catalog, validation, the JSON codec and CSV exchange, and the RuleStore
// that persists it.
package rules
