// Package tasks implements the scheduled background tasks of the registry
// service and their registration mechanism.
package tasks

import (
	"log/slog"

	"github.com/masquerade-chat/masquerade/internal/config"
	"github.com/masquerade-chat/masquerade/internal/database"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Config *config.Config
}
