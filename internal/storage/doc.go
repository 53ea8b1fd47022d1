// Package storage provides the key-value persistence layer for OAuth state,
// Slack tokens and client registrations.
//
// Two backends implement the same Backend contract: MemoryBackend keeps
// records in a process-wide map, optionally mirrored to an append-only JSONL
// file for restart recovery, and DynamoDBBackend persists records in a
// partition-key-addressed table with server-side TTL expiry. The backend is
// selected once at startup from configuration; no call site branches on the
// storage kind.
package storage
