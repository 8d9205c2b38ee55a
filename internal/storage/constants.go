package db

import "time"

// Analysis queue status constants
const (
	AnalysisStatusPending    = "pending"
	AnalysisStatusProcessing = "processing"
	AnalysisStatusDone       = "done"
	AnalysisStatusError      = "error"
)

// Advisory lock ids
const (
	// MigrationLockID serializes goose migrations across replicas.
	MigrationLockID int64 = 1000
	// SweeperLockID elects the single replica that sweeps stale groups per tick.
	SweeperLockID int64 = 1001
)

// defaultListLimit bounds ListOlderThan when the caller passes no limit.
const defaultListLimit = 500

// uniqueViolationCode is the SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// Database connection constants
const (
	// ConnectionRetrySleep is the sleep duration between connection retries
	ConnectionRetrySleep = 2 * time.Second
	// maxConnectionRetries is the number of retries for initial connection
	maxConnectionRetries = 10
)

// Database pool default constants
const (
	defaultMaxConns          int32         = 25
	defaultMinConns          int32         = 5
	defaultMaxConnIdleTime   time.Duration = 30 * time.Minute
	defaultMaxConnLifetime   time.Duration = time.Hour
	defaultHealthCheckPeriod time.Duration = time.Minute
)
