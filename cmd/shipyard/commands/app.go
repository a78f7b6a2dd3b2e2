package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/policy"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/openfroyo/shipyard/pkg/telemetry"
	"github.com/openfroyo/shipyard/pkg/transports/dialer"
)

// shutdownTimeout bounds telemetry and journal shutdown.
const shutdownTimeout = 5 * time.Second

// app is everything a command needs: settings, telemetry, the engine with the
// recipe and inventory loaded, and the optional journal and policy engine.
type app struct {
	settings  *config.Settings
	tel       *telemetry.Telemetry
	engine    *engine.Engine
	inventory *config.Inventory
	journal   *stores.SQLiteStore
	policy    *policy.Engine
	recipe    *config.RecipeResult
}

// appOptions tweaks what newApp wires.
type appOptions struct {
	// lock overrides the configured lock strategy when non-empty.
	lock string

	// journal opens the run journal when one is configured.
	journal bool

	// metrics starts the metrics endpoint when enabled in settings.
	metrics bool

	// overrides are global entries set after the recipe, from --set.
	overrides map[string]string
}

// loadSettings reads the settings file and applies the global flags.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultSettingsFile); err == nil {
			path = config.DefaultSettingsFile
		}
	}

	s, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if recipePath != "" {
		s.Recipe = recipePath
	}
	if inventoryPath != "" {
		s.Inventory = inventoryPath
	}
	if verbose {
		s.Logging.Level = "debug"
	}
	return s, nil
}

// newTelemetry initializes telemetry from settings and installs its logger as
// the global logger.
func newTelemetry(s *config.Settings, version string) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(s.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	return tel, nil
}

// newApp wires the engine and loads the inventory and recipe into it.
func newApp(ctx context.Context, version string, opts appOptions) (_ *app, err error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if opts.lock != "" {
		s.Lock.Strategy = opts.lock
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	tel, err := newTelemetry(s, version)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, tel: tel}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if opts.metrics {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	engineOpts := append(tel.EngineOptions(), engine.WithDialer(dialer.New(dialer.Options{})))

	locker, err := newLocker(s.Lock)
	if err != nil {
		return nil, err
	}
	if locker != nil {
		engineOpts = append(engineOpts, engine.WithLocker(locker))
	}

	if opts.journal && s.Store != "" {
		if a.journal, err = stores.Open(ctx, s.Store); err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		engineOpts = append(engineOpts, engine.WithRecorder(a.journal))
		if tel.Config.Events.Enabled {
			tel.Events.AddSink(a.journal)
		} else {
			engineOpts = append(engineOpts, engine.WithEventPublisher(a.journal))
		}
	}

	if s.Policy.Enabled {
		if a.policy, err = newPolicyEngine(ctx, s.Policy.Paths); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, engine.WithPolicy(a.policy))
	}

	a.engine = engine.New(engineOpts...)

	op := telemetry.StartOperation(tel.WithContext(ctx), "workspace.load",
		attribute.String("recipe", s.Recipe),
		attribute.String("inventory", s.Inventory),
	)
	defer func() { op.End(err) }()

	if a.inventory, err = config.LoadInventory(op.Ctx, s.Inventory); err != nil {
		return nil, err
	}
	a.inventory.Apply(a.engine)

	if a.recipe, err = config.NewRecipeLoader(a.engine).LoadFile(op.Ctx, s.Recipe); err != nil {
		return nil, err
	}
	log.Debug().
		Strs("files", a.recipe.Files).
		Int("tasks", a.recipe.Tasks).
		Int("hosts", a.inventory.Hosts.Len()).
		Dur("load_time", a.recipe.LoadTime).
		Dur("elapsed", op.Timer.Duration()).
		Msg("workspace loaded")

	for k, v := range opts.overrides {
		a.engine.Set(k, v)
	}
	return a, nil
}

// newLocker builds the deploy lock of a strategy. "none" returns nil.
func newLocker(s config.LockSettings) (engine.Locker, error) {
	switch s.Strategy {
	case "memory":
		return engine.NewMemoryLocker(), nil
	case "file":
		return engine.NewFileLocker(s.Dir)
	case "remote":
		return &engine.RemoteLocker{Path: s.Path}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown lock strategy %q", s.Strategy)
	}
}

// newPolicyEngine creates the policy engine with the built-in policies plus
// those found in paths.
func newPolicyEngine(ctx context.Context, paths []string) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger.With().Str("component", "policy").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// flushEvents delivers buffered events before output is printed.
func (a *app) flushEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tel.Events.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to flush events")
	}
}

// close releases the journal and shuts telemetry down.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close journal")
		}
	}
}

// openJournal opens the configured journal without loading recipe or inventory.
func openJournal(ctx context.Context, version string) (*stores.SQLiteStore, *telemetry.Telemetry, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	if s.Store == "" {
		return nil, nil, errors.New("no journal configured (set store in shipyard.yaml)")
	}
	tel, err := newTelemetry(s, version)
	if err != nil {
		return nil, nil, err
	}
	journal, err := stores.Open(ctx, s.Store)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return journal, tel, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
