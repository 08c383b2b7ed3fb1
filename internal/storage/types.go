package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrSealed means sealed credentials could not be opened with the passphrase.
	ErrSealed = errors.New("wrong passphrase or corrupted credentials")
)

// Config configures storage.
//
// Driver values:
//   - "file": directory tree under Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Passphrase, when set, seals credential bytes at rest.
	Passphrase string
}

// Delivery is one recipient outcome as written to the delivery log.
type Delivery struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"sessionId"`
	JobID     string    `json:"jobId,omitempty"`
	Kind      string    `json:"kind"`
	Recipient string    `json:"recipient"`
	Address   string    `json:"address,omitempty"`
	Status    string    `json:"status"`
	MessageID string    `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store is the persistence API used by the session registry, the dispatcher
// and the maintenance jobs. Load returns nil, nil for unknown ids and Delete
// of an unknown id is a no-op.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error

	AppendDelivery(ctx context.Context, d Delivery) error
	// RecentDeliveries returns up to limit entries, newest first. An empty
	// sessionID matches every session.
	RecentDeliveries(ctx context.Context, sessionID string, limit int) ([]Delivery, error)
	// PruneDeliveries removes entries older than before and reports how many.
	PruneDeliveries(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func checkKey(id string) error {
	if id == "" || id == "." || id == ".." {
		return ErrInvalidKey
	}
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', '\\', 0:
			return ErrInvalidKey
		}
	}
	return nil
}
