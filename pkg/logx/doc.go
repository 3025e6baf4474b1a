// Package logx configures globalchat's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - an optional Discord channel sink mirrors WARN+ events to operators,
//     bounded by a min level and a token bucket so a failing relay cannot
//     flood the log channel
package logx
