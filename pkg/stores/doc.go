// Package stores provides the run journal of shipyard.
//
// SQLiteStore keeps every run in a SQLite database (WAL mode, embedded
// golang-migrate migrations): the run itself, the outcome of each host, every
// task executed on it and the append-only event log. It implements
// engine.Recorder and engine.EventPublisher, so an engine records its history
// by being built with engine.WithRecorder(store) and engine.WithEventPublisher(store).
package stores
