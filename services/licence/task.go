package licence

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type regenerateTokensPayload struct {
	LicenceID string `json:"licence_id"`
	Version   string `json:"version"`
}

// NewRegenerateTokensTask is unique per licence version: a task still
// pending or retained for the same version mints identical claims, so an
// id conflict means the work is already covered.
func NewRegenerateTokensTask(l *Licence) (*asynq.Task, error) {
	version := l.Version()
	payload, err := json.Marshal(regenerateTokensPayload{LicenceID: l.ID, Version: version})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.LicenceTokensRegenerate, payload,
		asynq.Queue("default"),
		asynq.TaskID(fmt.Sprintf("%s:%s:%s", taskname.LicenceTokensRegenerate, l.ID, version)),
	), nil
}

// HandleRegenerateTokensTask is the asynq handler for LicenceTokensRegenerate.
func (s *Service) HandleRegenerateTokensTask(ctx context.Context, t *asynq.Task) error {
	var payload regenerateTokensPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid regenerate tokens payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	zap.L().Info("Processing token regeneration", zap.String("licence_id", payload.LicenceID))

	report, err := s.RegenerateTokensForLicence(ctx, payload.LicenceID)
	if err != nil {
		zap.L().Error("failed to regenerate tokens", zap.String("licence_id", payload.LicenceID), zap.Error(err))
		return err
	}

	zap.L().Info("Finished token regeneration",
		zap.String("licence_id", payload.LicenceID),
		zap.Int64("generated", report.Generated),
		zap.Int64("errors", report.Errors),
	)
	return nil
}
