package submission

import (
	"dropproof/services/geo"

	"go.uber.org/fx"
)

var Module = fx.Module("submission.service",
	fx.Provide(
		func(idx *geo.Index) DropPointFinder { return idx },
		NewService,
	),
)

var TaskModule = fx.Module("task.submission",
	fx.Invoke(registerTaskHandlers),
)
