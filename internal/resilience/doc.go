/*
Package resilience provides per-endpoint circuit breaking and endpoint
fallback selection.

# Overview

Each configured exchange endpoint gets one Breaker tracking its failures.
A tripped breaker takes the endpoint out of rotation until its recovery
timeout elapses, at which point a single trial attempt decides whether it
closes again. The Selector walks endpoints in configured order (primary
first) and returns the first one admitting attempts, so routing is
deterministic given breaker state.

# States

  - Closed: normal operation, attempts pass through
  - Open: attempts rejected until the recovery timeout elapses
  - Half-Open: exactly one trial attempt admitted; its outcome decides
    Closed or Open

Breaker state is shared by everything targeting the endpoint: pooled
connection creation and streaming reconnects feed the same counters, and
a half-open endpoint admits one trial across both.
*/
package resilience
