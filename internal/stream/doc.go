/*
Package stream implements supervised streaming subscriptions with
automatic reconnection.

Each subscription is an explicit state machine
(connecting/open/reconnecting/closed) driven by its own run loop, with
callback delivery on a separate loop behind a bounded buffer. Reconnect
delays follow min(delay * multiplier^n, maxDelay) and each attempt
re-selects an endpoint, so fallbacks get tried while the primary is
down. A subscription that exhausts its reconnection budget closes with
a terminal error instead of retrying forever.
*/
package stream
