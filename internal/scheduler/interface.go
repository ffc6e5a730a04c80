package scheduler

import (
	"context"
	"time"
)

// ControllerInterface is the scheduling surface used by the command layer.
type ControllerInterface interface {
	SetAutoSync(ctx context.Context, organizationID uint, enabled bool, interval string) error
	Unschedule(organizationID uint)
	Enqueue(organizationID uint, trigger string) error
	SyncAllOrganizations(ctx context.Context) (int, error)
	ResetAllSchedules(ctx context.Context) (int, error)
	Status(ctx context.Context, organizationID uint) (*SyncStatus, error)
	Stop(timeout time.Duration)
}

var _ ControllerInterface = (*Scheduler)(nil)
