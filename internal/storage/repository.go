package storage

import (
	"context"
	"errors"

	"monitorhub/internal/models"
)

// ErrNotFound reports a missing record. Callers compare with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// Repository exposes the read operations required by the realtime core. The
// probing engine owns monitor writes; this process only reads.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// ListMonitors returns every monitor owned by userID ordered by weight
	// descending, then name ascending in byte order.
	ListMonitors(ctx context.Context, userID string) ([]models.Monitor, error)
	// Setting returns the raw stored value of key or ErrNotFound.
	Setting(ctx context.Context, key string) (string, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	SessionByTokenHash(ctx context.Context, hash string) (models.Session, error)
	GetAPIKey(ctx context.Context, id string) (models.APIKey, error)
}

// Writer seeds and maintains records. It is used by the import tool and
// tests, never by the request path.
type Writer interface {
	UpsertUser(ctx context.Context, user models.User) error
	UpsertMonitor(ctx context.Context, monitor models.Monitor) error
	DeleteMonitor(ctx context.Context, id string) error
	PutSetting(ctx context.Context, key, value string) error
	PutSession(ctx context.Context, session models.Session) error
	PutAPIKey(ctx context.Context, key models.APIKey) error
}

// Store is a repository that can also be written to.
type Store interface {
	Repository
	Writer
}
