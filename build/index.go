package build

import (
	"context"

	"github.com/outofforest/build/v2/pkg/types"
)

// Commands is a definition of commands available in build system.
var Commands = map[string]types.Command{
	"build": {Fn: buildBootdisk, Description: "Builds bootdisk binary"},
	"disk": {Fn: func(ctx context.Context, deps types.DepsFunc) error {
		deps(downloadRootfs)

		return buildDisk(ctx)
	}, Description: "Builds example disk from Fedora base image, requires root"},
}
