// Package records reads business records and room permissions from the
// business database.
//
// The tables belong to the business service. Queries are configurable and
// the defaults assume a business_records table keyed by id and a
// room_members table of (room_id, user_id) pairs. Lookups optionally run
// through a resilience.Guard; a missing row is a permanent result and never
// trips the breaker.
package records
