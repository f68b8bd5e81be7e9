package app

import (
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/modules/artifacts"
	"github.com/vk/pipegrid/modules/checkout"
	"github.com/vk/pipegrid/modules/deploy"
	"github.com/vk/pipegrid/modules/echo"
	"github.com/vk/pipegrid/modules/http_request"
	"github.com/vk/pipegrid/modules/socketio"
)

// coreModules is the definitive list of all modules that are compiled into
// the pipegrid binary.
var coreModules = []registry.Module{
	&checkout.Module{},
	&artifacts.Module{},
	&http_request.Module{},
	&deploy.Module{},
	&echo.Module{},
	&socketio.Module{},
}
