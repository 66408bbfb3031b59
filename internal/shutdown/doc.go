// Package shutdown runs the ordered teardown of a collabd process.
//
// On Shutdown the coordinator stops admission, waits a bounded time for
// connections to drain, stops every worker, and finally runs registered
// cleanups in reverse registration order. No step blocks past its timeout
// and a failing step never prevents the later ones.
package shutdown
