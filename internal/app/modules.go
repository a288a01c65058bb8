package app

import (
	"github.com/vk/flowgrid/internal/component"
	"github.com/vk/flowgrid/modules/evals"
	"github.com/vk/flowgrid/modules/httpreq"
	"github.com/vk/flowgrid/modules/llm"
	"github.com/vk/flowgrid/modules/transform"
)

// coreModules are the component factories registered by default when the
// caller provides none.
var coreModules = []component.Module{
	&llm.Module{},
	&httpreq.Module{},
	&transform.Module{},
	&evals.Module{},
}
