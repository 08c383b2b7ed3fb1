// Package commands implements the msgate command line: the gateway server
// and small offline helpers for addresses, templates and config files.
package commands
