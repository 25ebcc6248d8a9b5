// Package logx is the service's structured logging layer, a thin wrapper
// over zerolog.
//
// Components receive a Logger value and tag it with Named. Loggers that come
// from a Service follow its sinks and level across config reloads. Console
// output is human readable with a short file:line caller; the optional file
// sink is JSON lines.
package logx
