package membership

import (
	"github.com/plurahq/quotient/internal/membership/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("membership",
	fx.Provide(repository.New),
)
