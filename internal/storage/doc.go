// Package storage provides the persistence layer used by the bot.
//
// It supports:
//   - Keyed JSON documents (contacts, agendas, counters, settings)
//   - Audit log appends (sends, inbound messages, operator actions)
//
// Drivers: "file", "sqlite", "redis" and "memory".
package storage
