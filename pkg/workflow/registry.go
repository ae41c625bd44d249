package workflow

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
)

// Registry maps stage names to their implementations. The engine iterates a
// declared ordered list of names and looks implementations up here, so stage
// sets stay data rather than inheritance hierarchies.
type Registry struct {
	logger *slog.Logger
	stages map[string]Stage
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger: log,
		stages: make(map[string]Stage),
	}
}

// RegisterStage adds a stage under its own name. Re-registering a name
// replaces the previous implementation.
func (r *Registry) RegisterStage(stage Stage) {
	r.stages[stage.Name()] = stage
}

// StageByName looks up a registered stage.
func (r *Registry) StageByName(name string) (Stage, error) {
	stage, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("stage '%s' not registered", name)
	}

	return stage, nil
}

// StageNames returns the registered stage names.
func (r *Registry) StageNames() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// LoadStagePlugins loads Stage implementations from .so plugins under
// pluginsPath. Each plugin must export a symbol named "Stage".
func (r *Registry) LoadStagePlugins(pluginsPath string) error {
	root := os.DirFS(pluginsPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return err
	}

	l := r.logger.With(slog.String("path", pluginsPath))
	l.Info("Loading stage plugins")

	for _, p := range pluginPathList {
		plg, err := plugin.Open(pluginsPath + "/" + p)
		if err != nil {
			return fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup("Stage")
		if err != nil {
			return fmt.Errorf("failed to look up Stage symbol in %s: %w", p, err)
		}

		stage, ok := v.(Stage)
		if !ok {
			return fmt.Errorf("plugin %s does not export a Stage implementation", p)
		}

		r.RegisterStage(stage)

		l.Info("Loaded stage plugin", slog.String("plugin", p), slog.String("stage", stage.Name()))
	}

	return nil
}
