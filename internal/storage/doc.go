package storage

// Package storage persists the scheduling state: runs, slots, events,
// reminders, sessions and funnel telemetry.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite (pure Go, WAL)
//   - "postgres": lib/pq, same SQL with $n placeholders
//   - "memory": process-local maps, used by tests and dry runs
//
// Times are stored as unix milliseconds.
