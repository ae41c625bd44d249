package cmd

import (
	"log/slog"
	"os"

	"github.com/planline/planline/pkg/workflow"
)

// NewRegistry builds the stage registry: native stages first, then any .so
// plugins found under pluginsPath (plugins may replace native stages by
// registering the same name).
func NewRegistry(logger *slog.Logger, pluginsPath string) (*workflow.Registry, error) {
	registry := workflow.NewRegistry(logger)

	registry.RegisterStage(workflow.NewApprovalGate("approval", nil))

	if pluginsPath != "" {
		_, err := os.Stat(pluginsPath)
		if os.IsNotExist(err) {
			logger.Warn("Plugins path does not exist, skipping", "path", pluginsPath)

			return registry, nil
		}

		err = registry.LoadStagePlugins(pluginsPath)
		if err != nil {
			return nil, err
		}
	}

	return registry, nil
}
