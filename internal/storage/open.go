package storage

import (
	"context"
	"fmt"
	"strings"

	logx "humanity/pkg/logx"
)

// Store persists recovery state per subject plus an append-only audit trail.
// Implementations are safe for concurrent use.
type Store interface {
	LoadState(ctx context.Context, subjectID string) (rec StateRecord, ok bool, err error)
	SaveState(ctx context.Context, rec StateRecord) error
	// ListStates returns every saved subject ordered by id.
	ListStates(ctx context.Context) ([]StateRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) when the driver is
// empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.Named("storage").With(logx.String("driver", name)))
}

func checkSubject(id string) (string, error) {
	if id = strings.TrimSpace(id); id == "" {
		return "", ErrNoSubject
	}
	return id, nil
}
