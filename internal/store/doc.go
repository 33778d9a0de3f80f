// Package store persists group-session state for one device.
//
// GroupStore implements the domain GroupSessionStore, SessionProblemStore and
// KeyRequestStore contracts on top of a small bucketed key/value backend.
// Three backends are provided:
//   - a directory of JSON files, one per bucket (NewFileGroupStore)
//   - LevelDB (OpenLevelGroupStore)
//   - a SQL table through gorm, for SQLite or Postgres (NewSQLGroupStore)
//
// The device account is kept separately, encrypted with a passphrase
// (AccountFileStore), next to the pairwise ratchet sessions
// (PairwiseFileStore).
//
// All methods are safe for concurrent use.
package store
