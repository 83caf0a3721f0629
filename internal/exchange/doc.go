/*
Package exchange defines the narrow interface the connection manager
consumes from the underlying exchange API client, plus a default
HTTP/WebSocket implementation of it.

The manager never depends on exchange-specific request semantics. It only
needs to establish connections (Connect), verify them (Ping), and carry
long-lived topic streams (OpenStream/ReadMessage). Anything beyond that,
request signing and rate limiting included, stays behind the Client
interface in the application's own API client.
*/
package exchange
