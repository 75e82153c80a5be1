// ABOUTME: Package documentation for the WhatsApp webhook adapter
// ABOUTME: Describes the ingest surface and relay hand-off

// Package webhook receives WhatsApp Cloud API callbacks and relays inbound
// text messages to the agent gateway.
//
// The HTTP surface is small: GET /webhook answers Meta's subscription
// handshake, POST /webhook ingests message notifications, and /health plus a
// couple of /api endpoints exist for operators. Notification handling is
// fire-and-forget: the handler acknowledges Meta immediately and hands each
// extracted text to a background gateway session. A relay failure is logged
// and recorded in the attempt log; it is never surfaced back to Meta, which
// would only retry a payload we already consumed.
package webhook
