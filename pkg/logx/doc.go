// Package logx wraps zerolog behind a small value-type Logger.
//
// Loggers created from a Service stay live across Apply() calls, so the
// log level and sinks can change at runtime (config hot-reload) without
// re-plumbing loggers through the app.
package logx
