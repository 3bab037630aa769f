// Package sqlite provides a device-local SQLite transcript store.
//
// Each conversation identity owns one row holding the whole encoded
// transcript. Saves are single upserts, so a concurrent reader in another
// process sees either the previous or the next complete transcript; the last
// writer wins.
package sqlite
