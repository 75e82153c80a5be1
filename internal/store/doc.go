// Package store persists a log of relay attempts and their outcomes in
// SQLite. It is an audit surface for operators; delivery remains
// single-shot and nothing in the relay replays logged attempts.
package store
