// Package logx configures nagbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional operator alerts to a Telegram chat (min-level + rate limiting)
package logx
