/*
Package pool implements the bounded connection pool, its health monitor,
and the managed-client lifecycle.

# Ownership

A managed client has exactly one owner at any instant: the pool while
idle, the health monitor while being probed, or a single caller between
Acquire and Release. The hand-off is exclusive; no client ever appears
in two buckets at once.

# Sizing

The pool holds between MinConnections and MaxConnections clients.
Acquire prefers idle clients, creates new ones while under capacity,
and otherwise waits for a release until its context expires. A periodic
adaptive tick grows the pool when acquires had to wait and shrinks idle
clients that outlived IdleTimeout.

# Health

The monitor probes only idle clients. A client reaching the configured
consecutive failure limit, through probes or caller-reported failures,
is evicted, closed, and replaced in the background.
*/
package pool
