// Package database manages the PostgreSQL connection pool used for the
// notification audit trail.
package database
