/*
Package manager composes the connection pool, health monitor, endpoint
circuit breakers, and stream supervisor into the single facade the
trading application talks to.

Callers acquire pooled connections with an exactly-once release
contract, open supervised stream subscriptions, and read health and
metrics snapshots. The manager owns the full lifecycle: Start validates
configuration and prefills the pool; Stop cancels the background loops,
closes every subscription, and drains in-use connections with a grace
period before force-closing.
*/
package manager
