// Package model defines shared data types used across collabd.
//
// Conventions:
//   - Metric values: float64 in the unit named by the MetricType
//     (percent for cpu/memory/disk, fraction for error_rate, milliseconds for latency)
//   - Timestamps: time.Time, UTC
//   - IDs: uuid.UUID for alerts, opaque strings for clients and rooms
package model
