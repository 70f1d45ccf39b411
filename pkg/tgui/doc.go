// Package tgui builds chat replies for Telegram's HTML parse mode: escaped
// text helpers, a line-oriented card builder and slice pagination.
package tgui
