// Package supervisor owns the worker pool.
//
// The Supervisor admits connections onto the least loaded running worker,
// scales the number of workers with load, rebalances connections from
// overloaded to underloaded workers, and recovers workers that faulted.
// It is the single owner of the worker list; every other component reaches
// workers through it.
//
// Locks are held only around the mutation they protect. Store writes and
// alert dispatch happen after locks are released.
package supervisor
