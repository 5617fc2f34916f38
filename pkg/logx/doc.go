// Package logx configures clockbot's structured logging.
//
// logx.Logger is a thin value type over zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink writes one JSON object per line
//   - the optional ops-chat sink forwards WARN and above to a Telegram chat,
//     rate limited so a failing tick cannot flood the chat
package logx
