// Package logx configures beacon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Components hold a logx.Logger value and derive scoped loggers with
// With(); loggers created from a Service stay live across Apply().
package logx
