package bootdisk

import (
	"context"

	"github.com/outofforest/run"
)

// Run builds the disk on the local host.
func Run(ctx context.Context, config Config, archivePath string) error {
	return NewBuilder(config, NewHost()).Build(ctx, archivePath)
}

// Main is the entrypoint of the disk builder. Config function is called once logger is available.
// Process exits with nonzero status if the build fails.
func Main(archivePath string, configFn func() (Config, error)) {
	run.New().Run(context.Background(), "bootdisk", func(ctx context.Context) error {
		config, err := configFn()
		if err != nil {
			return err
		}
		return Run(ctx, config, archivePath)
	})
}
