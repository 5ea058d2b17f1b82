// Package logx is agroplan's logging layer over zerolog.
//
// A Service owns the sinks (console, rotating JSON file, operator chat) and
// can be reconfigured while running; Loggers derived from it pick up the new
// sinks without being rebuilt. Outside a Service, Nop, NewConsole and
// NewWriter give standalone loggers.
package logx
