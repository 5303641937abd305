// Package postgres provides a PostgreSQL-backed store using pgx/v5.
// Schema migrations are embedded and applied by Migrate.
package postgres
