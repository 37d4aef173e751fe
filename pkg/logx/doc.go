// Package logx configures harvester's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one object per line
//   - Sinks swappable at runtime via Service.Apply
package logx
