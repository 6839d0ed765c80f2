// Package logx is slipdesk's logging layer over zerolog.
//
// Logger carries fixed fields and survives Service.Apply, so components keep
// the logger they were built with across config reloads. Service owns the
// outputs: a console writer, an optional JSON log file, and a rate-limited
// forwarder that mirrors warnings to an OpsSink such as the operator chat.
package logx
