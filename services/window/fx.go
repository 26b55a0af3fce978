package window

import "go.uber.org/fx"

var Module = fx.Module("window.service",
	fx.Provide(New),
)

var SchedulerModule = fx.Module("window.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
