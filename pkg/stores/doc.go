// Package stores provides persistence layer implementations for StackPilot.
// It includes SQLite-based storage with embedded migrations, WAL mode and
// connection pooling for deployed service records and their resources,
// registered service templates, user policies, and the audit trail.
package stores
