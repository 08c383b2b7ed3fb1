package storage

import (
	"fmt"
	"strings"

	"msgate/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store named by cfg.Driver, sealed when a passphrase is
// set. A blank or "none" driver yields a nil Store and no error.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", name)
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", name))
	st, err := open(cfg, log)
	if err != nil {
		return nil, err
	}
	sealed := cfg.Passphrase != ""
	if sealed {
		st = Sealed(st, cfg.Passphrase)
	}
	log.Info("store ready", logx.String("path", cfg.Path), logx.Bool("sealed", sealed))
	return st, nil
}
