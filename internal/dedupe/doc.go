// Package dedupe tracks recently seen message IDs in a TTL cache so
// redelivered webhooks are processed at most once.
package dedupe
