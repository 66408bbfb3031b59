// Package database manages the PostgreSQL connection pool of the business
// database. The pool backs record lookups, permission checks and the alert
// history writer. The schema of business tables is owned elsewhere.
package database
