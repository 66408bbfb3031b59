// Package buffer provides an ordered, growable in-memory queue used to hand
// work from hot paths to background consumers without blocking.
package buffer
