package override

import (
	"github.com/plurahq/quotient/internal/override/repository"
	"github.com/plurahq/quotient/internal/override/service"
	"go.uber.org/fx"
)

var Module = fx.Module("override.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
