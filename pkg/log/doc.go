/*
Package log provides structured logging for Steward built on zerolog.

A single global logger is initialized once at process start via Init, then
packages derive child loggers carrying identifying fields:

	logger := log.WithComponent("auth")
	logger.Info().Str("username", user).Msg("principal installed")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is available for log shippers via Config.JSONOutput.
*/
package log
