package licence

import (
	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("licence.service",
	fx.Provide(
		ProvideKeyProvider,
		NewTokenCodec,
		NewService,
	),
)

var Worker = fx.Module("licence.worker",
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LicenceTokensRegenerate, svc.HandleRegenerateTokensTask)
}
