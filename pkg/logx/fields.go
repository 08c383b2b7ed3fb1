package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to an event. Later fields overwrite earlier ones with
// the same key.
type Field func(e *zerolog.Event)

func String(k, v string) Field           { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field          { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field      { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field        { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Time(k string, v time.Time) Field   { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field          { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Duration renders as a Go duration string ("1.5s") rather than zerolog's
// default number of milliseconds.
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Session tags an event with the gateway session id.
func Session(id string) Field { return String("session", id) }

// Recipient logs an address with all but the last four digits of its local
// part masked. The domain part is kept.
func Recipient(addr string) Field { return String("recipient", MaskAddress(addr)) }

func MaskAddress(addr string) string {
	local, domain, _ := strings.Cut(addr, "@")
	const keep = 4
	if len(local) > keep {
		local = strings.Repeat("*", len(local)-keep) + local[len(local)-keep:]
	}
	if domain == "" {
		return local
	}
	return local + "@" + domain
}
