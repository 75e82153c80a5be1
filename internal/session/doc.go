// Package session implements the gateway session client: it opens one
// websocket connection to the agent gateway, performs the connect handshake,
// delivers a single message, and tears the connection down deterministically.
//
// A session is single-shot. It never retries, never multiplexes, and resolves
// exactly once regardless of which terminal event (linger expiry, safety
// timeout, remote close, transport error) fires first. Delivery is
// best-effort: apart from connection establishment, failures degrade to a
// logged outcome rather than an error.
package session
