package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// Snapshotter persists a complete project state atomically.
type Snapshotter interface {
	Snapshot(p *models.Project) error
}

// ProjectLoader restores a stored project.
type ProjectLoader interface {
	Load(id string) (*models.Project, error)
	Get(id string) (*models.Project, error)
}

// ProjectLister enumerates and prunes stored projects.
type ProjectLister interface {
	List(statuses ...models.ProjectStatus) ([]ProjectSummary, error)
	Delete(id string) error
	PurgeOldProjects(olderThan time.Duration) (int64, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// ProjectStore is the full persistence surface used by the CLI. The
// orchestrator depends only on Snapshotter.
type ProjectStore interface {
	io.Closer
	Migrator
	Snapshotter
	ProjectLoader
	ProjectLister
}

// Compile-time verification that DB implements all interfaces.
var (
	_ ProjectStore  = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ Snapshotter   = (*DB)(nil)
	_ ProjectLoader = (*DB)(nil)
	_ ProjectLister = (*DB)(nil)
)
