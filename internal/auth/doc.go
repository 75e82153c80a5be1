// Package auth provides HS256 JWT verification and HTTP middleware guarding
// the relay's operator endpoints. The gateway bearer token used on the
// websocket connection is unrelated and never touches this package.
package auth
