// Package storage persists the lab inventory: the active "inventory" table and
// the "archived" table of picked-up items.
//
// Drivers:
//   - sqlite (default): a local database file via modernc.org/sqlite
//   - mysql: a shared server via github.com/go-sql-driver/mysql
//
// Both use the legacy column names so existing databases keep working.
package storage
