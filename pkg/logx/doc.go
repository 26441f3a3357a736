// Package logx configures the controller's structured logging.
//
// Logger is a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON
//   - an optional alert sink forwards WARN+ lines to an operator channel,
//     gated by a minimum level and a token-bucket limiter
package logx
