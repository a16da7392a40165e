// Package storage persists collected campaigns and statistics. It owns the
// process-wide database session and offers an in-memory and a SQL-backed
// implementation of Storage.
package storage
