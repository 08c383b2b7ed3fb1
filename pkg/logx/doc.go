// Package logx is msgate's structured logging layer over zerolog.
//
// A Logger is a cheap value: it carries fixed fields and, when it comes from
// a Service, resolves the current sink on every call, so loggers handed out
// at startup follow config reloads. Console output is human readable; file
// output and JSON console mode emit one JSON object per line.
package logx
