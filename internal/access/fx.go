package access

import (
	"github.com/plurahq/quotient/internal/access/service"
	"go.uber.org/fx"
)

var Module = fx.Module("access.service",
	fx.Provide(service.New),
)
