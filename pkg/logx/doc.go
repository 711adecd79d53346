// Package logx is seatwatch's structured logging layer.
//
// A thin Logger wraps zerolog so components can pass typed fields
// (logx.String, logx.Err, ...) and derive scoped loggers with With.
// Loggers created from a Service stay live across Service.Apply, which
// swaps level, format and sinks when the config file changes.
//
// Sinks:
//   - console (human readable) or JSON on stdout
//   - an optional append-only JSON file
//   - an optional chat alert sink for warn+ records, rate limited
package logx
