// Package logger builds the application's structured zap logger.
//
// Two modes are supported: "development" (console encoder, colored levels)
// for local runs and "production" (JSON, ISO-8601 timestamps) for
// everything else. The level accepts the full zapcore level set.
package logger
