package admission

import (
	"smallbiznis-licensing/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("admission.service",
	fx.Provide(NewService),
	fx.Invoke(logMode),
)

func logMode(s *Service) {
	if s.Mode() == config.AdmissionLenient {
		zap.L().Warn("admission runs in lenient mode, concurrent executions on separate instances may each take the last slot of a quota")
		return
	}
	zap.L().Info("admission runs in strict mode")
}
