package store

import (
	"context"
	"time"

	"github.com/me/stageflow/pkg/model"
)

// Store persists task states and artifact markers across invocations so
// that a repeated run can skip work that is already done.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, at time.Time) error
	LatestRun(ctx context.Context) (*model.Run, error)

	// Tasks. GetTask returns nil, nil for a task never recorded.
	UpdateTaskState(ctx context.Context, rec *model.TaskRecord) error
	GetTask(ctx context.Context, id model.TaskID) (*model.TaskRecord, error)
	ListTasks(ctx context.Context) ([]*model.TaskRecord, error)

	// Artifacts. GetArtifact returns nil, nil for an unknown path.
	RecordOutputs(ctx context.Context, producer model.TaskID, artifacts []model.ArtifactRecord) error
	MarkRemoved(ctx context.Context, path string) error
	GetArtifact(ctx context.Context, path string) (*model.ArtifactRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
