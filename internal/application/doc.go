// Package application provides application initialization and dependency wiring.
// It opens the database session and creates the storage, collector, handlers,
// router and HTTP server, leaving the main package to CLI parsing and
// orchestration.
package application
