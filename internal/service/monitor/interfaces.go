package monitor

import (
	"context"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/service/lockdown"
)

// Controller is the part of the lockdown controller the monitor feeds
type Controller interface {
	Observe(ctx context.Context, event activity.Event) error
	ApplyAssessment(ctx context.Context, assessment risk.Assessment) error
	ReportStorageFailure(ctx context.Context) error
	Tick(ctx context.Context) error
	Status() lockdown.Status
}
