// Package taskmesh wires the task orchestration engine from a YAML config:
// a message hub, an agent pool, a model provider, worker provisioning, the
// orchestrator state machine, and optional snapshot persistence.
package taskmesh

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/hub"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/pool"
	"github.com/taskmesh/taskmesh/internal/provider"
	"github.com/taskmesh/taskmesh/internal/react"
	"github.com/taskmesh/taskmesh/internal/snapshot"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// Duration parses YAML scalars like "30s" or "5m".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ProviderConfig selects and tunes the model provider backing the agents.
type ProviderConfig struct {
	// Name is "openai" or "anthropic".
	Name  string `yaml:"name"`
	Model string `yaml:"model"`

	// APIKey overrides the provider's environment variable
	// (OPENAI_API_KEY or ANTHROPIC_API_KEY).
	APIKey string `yaml:"api_key"`

	// RequestsPerSecond rate-limits model calls when positive.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig sizes the agent pool.
type PoolConfig struct {
	DefaultCapacity    int            `yaml:"default_capacity"`
	RoleCapacities     map[string]int `yaml:"role_capacities"`
	HeartbeatThreshold Duration       `yaml:"heartbeat_threshold"`
	SweepInterval      Duration       `yaml:"sweep_interval"`
}

// LoopConfig bounds each worker's reasoning loop.
type LoopConfig struct {
	MaxIterations   int      `yaml:"max_iterations"`
	MaxParseRetries int      `yaml:"max_parse_retries"`
	ThinkTimeout    Duration `yaml:"think_timeout"`
}

// OrchestrationConfig bounds a run.
type OrchestrationConfig struct {
	MaxRounds     int      `yaml:"max_rounds"`
	CriticalNodes []string `yaml:"critical_nodes"`
	DefaultRole   string   `yaml:"default_role"`
}

// SnapshotConfig selects the crash-recovery store.
type SnapshotConfig struct {
	// Store is "file", "redis", or empty to disable snapshots.
	Store string `yaml:"store"`

	// Schedule is a cron expression for auto-saves; empty uses the
	// once-a-minute default.
	Schedule string `yaml:"schedule"`

	// File store settings.
	BaseDir string `yaml:"base_dir"`
	Name    string `yaml:"name"`

	// Redis store settings.
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	RedisKey      string   `yaml:"redis_key"`
	RedisTTL      Duration `yaml:"redis_ttl"`
}

// Config is the engine's YAML configuration.
type Config struct {
	Provider      ProviderConfig      `yaml:"provider"`
	Pool          PoolConfig          `yaml:"pool"`
	Loop          LoopConfig          `yaml:"loop"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`

	// HistoryCapacity bounds the hub's message history.
	HistoryCapacity int `yaml:"history_capacity"`
}

// DefaultConfig returns a runnable config backed by OpenAI with environment
// credentials and no snapshot persistence.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{Name: "openai"},
	}
}

// Validate rejects configs the engine cannot wire.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic":
	case "":
		return fmt.Errorf("provider name is required")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}

	switch c.Snapshot.Store {
	case "", "file":
	case "redis":
		if c.Snapshot.RedisAddr == "" {
			return fmt.Errorf("snapshot store redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown snapshot store %q", c.Snapshot.Store)
	}
	return nil
}

// FileReader abstracts file access for testing.
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// OSFileReader implements FileReader using the OS filesystem.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// ConfigLoader loads engine configurations.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a config loader with the given file reader.
func NewConfigLoader(fileReader FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fileReader}
}

// LoadConfig reads and parses a YAML config file on top of the defaults.
func (cl *ConfigLoader) LoadConfig(path string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// LoadConfigFromFile loads a config using the OS filesystem.
func LoadConfigFromFile(path string) (*Config, error) {
	return NewConfigLoader(&OSFileReader{}).LoadConfig(path)
}

// Engine owns the wired services for one deployment. Construct with
// NewEngine, optionally Start background persistence, Execute tasks, then
// Close.
type Engine struct {
	config   *Config
	hub      *hub.Hub
	pool     *pool.Pool
	provider provider.Provider
	orch     *orchestrator.Orchestrator
	actions  *react.ActionRegistry
	store    snapshot.Store
	saver    *snapshot.AutoSaver

	mu          sync.Mutex
	provisioned map[string]string // instance id -> endpoint id
}

// NewEngine wires an engine from the config. The provider may be overridden
// for testing via NewEngineWithProvider.
func NewEngine(config *Config) (*Engine, error) {
	prov, err := buildProvider(config.Provider)
	if err != nil {
		return nil, err
	}
	return NewEngineWithProvider(config, prov)
}

// NewEngineWithProvider wires an engine around an existing provider.
func NewEngineWithProvider(config *Config, prov provider.Provider) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Provider.RequestsPerSecond > 0 {
		burst := config.Provider.Burst
		if burst <= 0 {
			burst = 1
		}
		prov = provider.NewRateLimited(prov, config.Provider.RequestsPerSecond, burst)
	}

	var hubOpts []hub.Option
	if config.HistoryCapacity > 0 {
		hubOpts = append(hubOpts, hub.WithHistoryCapacity(config.HistoryCapacity))
	}
	h := hub.New(hubOpts...)

	var poolOpts []pool.Option
	if config.Pool.DefaultCapacity > 0 {
		poolOpts = append(poolOpts, pool.WithDefaultCapacity(config.Pool.DefaultCapacity))
	}
	for role, n := range config.Pool.RoleCapacities {
		poolOpts = append(poolOpts, pool.WithRoleCapacity(pool.Role(role), n))
	}
	if config.Pool.HeartbeatThreshold.Duration > 0 {
		poolOpts = append(poolOpts, pool.WithHeartbeatThreshold(config.Pool.HeartbeatThreshold.Duration))
	}
	if config.Pool.SweepInterval.Duration != 0 {
		poolOpts = append(poolOpts, pool.WithSweepInterval(config.Pool.SweepInterval.Duration))
	}
	p := pool.New(poolOpts...)

	e := &Engine{
		config:      config,
		hub:         h,
		pool:        p,
		provider:    prov,
		actions:     react.NewActionRegistry(),
		provisioned: make(map[string]string),
	}

	orchCfg := orchestrator.Config{
		MaxRounds:     config.Orchestration.MaxRounds,
		CriticalNodes: config.Orchestration.CriticalNodes,
	}
	if config.Orchestration.DefaultRole != "" {
		orchCfg.DefaultRole = pool.Role(config.Orchestration.DefaultRole)
	}
	e.orch = orchestrator.New(h, p, orchestrator.NewLLMDecomposer(prov), e, orchCfg)

	store, err := buildSnapshotStore(config.Snapshot)
	if err != nil {
		e.pool.Close()
		e.hub.Close()
		return nil, err
	}
	e.store = store

	if store != nil {
		saver, err := snapshot.NewAutoSaver(store, e.snapshotSource, config.Snapshot.Schedule)
		if err != nil {
			_ = store.Close()
			e.pool.Close()
			e.hub.Close()
			return nil, fmt.Errorf("snapshot schedule: %w", err)
		}
		e.saver = saver
	}
	return e, nil
}

func buildProvider(cfg ProviderConfig) (provider.Provider, error) {
	switch cfg.Name {
	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai provider requires api_key or OPENAI_API_KEY")
		}
		return provider.NewOpenAI(apiKey, cfg.Model), nil
	case "anthropic":
		return provider.NewAnthropic(func(o *provider.AnthropicOptions) {
			if cfg.APIKey != "" {
				o.APIKey = cfg.APIKey
			}
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func buildSnapshotStore(cfg SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Store {
	case "":
		return nil, nil
	case "file":
		name := cfg.Name
		if name == "" {
			name = "engine"
		}
		return snapshot.NewFileStore(cfg.BaseDir, name)
	case "redis":
		key := cfg.RedisKey
		if key == "" {
			key = snapshot.DefaultRedisKey
		}
		return snapshot.NewRedisStore(snapshot.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      key,
			TTL:      cfg.RedisTTL.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.Store)
	}
}

// RegisterAction exposes a named action to every worker's reasoning loop.
// Register actions before Execute.
func (e *Engine) RegisterAction(name string, action react.Action) error {
	return e.actions.Register(name, action)
}

// Hub returns the engine's message hub.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Pool returns the engine's agent pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Provision implements orchestrator.Provisioner: it registers a worker
// endpoint for the allocated instance on first sight and returns its
// endpoint id.
func (e *Engine) Provision(inst pool.Instance) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if endpoint, ok := e.provisioned[inst.ID]; ok {
		return endpoint, nil
	}

	w := worker.New(inst.ID, e.pool, e.provider, e.actions, worker.Config{
		Loop: e.loopConfig(),
	})
	if err := e.hub.Register(w.Bundle()); err != nil {
		return "", fmt.Errorf("register worker for %s: %w", inst.ID, err)
	}
	e.provisioned[inst.ID] = w.EndpointID()
	return w.EndpointID(), nil
}

func (e *Engine) loopConfig() react.Config {
	cfg := react.DefaultConfig()
	if e.config.Loop.MaxIterations > 0 {
		cfg.MaxIterations = e.config.Loop.MaxIterations
	}
	if e.config.Loop.MaxParseRetries > 0 {
		cfg.MaxParseRetries = e.config.Loop.MaxParseRetries
	}
	if e.config.Loop.ThinkTimeout.Duration > 0 {
		cfg.ThinkTimeout = e.config.Loop.ThinkTimeout.Duration
	}
	return cfg
}

// Start restores state from a prior snapshot, if one exists, and begins
// scheduled snapshot saves.
func (e *Engine) Start(ctx context.Context) error {
	if e.store != nil {
		snap, err := e.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			e.hub.ImportState(snap.Hub)
			log.Printf("restored snapshot saved at %s", snap.SavedAt.Format(time.RFC3339))
		}
	}
	if e.saver != nil {
		e.saver.Start()
	}
	return nil
}

// Execute drives one user task to a terminal phase. A snapshot is written
// when the run ends, regardless of outcome.
func (e *Engine) Execute(ctx context.Context, task string) (*orchestrator.Outcome, error) {
	out, err := e.orch.Run(ctx, task)
	if e.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if saveErr := e.store.Save(saveCtx, e.snapshotSource()); saveErr != nil {
			log.Printf("snapshot save failed: %v", saveErr)
		}
		cancel()
	}
	return out, err
}

// Cancel requests the current run stop at its next round boundary.
func (e *Engine) Cancel() {
	e.orch.Cancel()
}

func (e *Engine) snapshotSource() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		SavedAt:       time.Now().UTC(),
		Hub:           e.hub.ExportState(),
		Orchestration: e.orch.ExportState(),
	}
}

// Close releases the engine's services. Safe after a failed Start.
func (e *Engine) Close() error {
	if e.saver != nil {
		e.saver.Stop()
	}
	var err error
	if e.store != nil {
		err = e.store.Close()
	}
	e.pool.Close()
	e.hub.Close()
	return err
}

// Run loads a config, wires an engine, and drives a single task to a
// terminal phase, logging the outcome. It is the library entry point used
// by the CLI.
func Run(ctx context.Context, configPath, task string) error {
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: observability init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(shutdownCtx)
	}()

	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return err
	}

	engine, err := NewEngine(config)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	out, err := engine.Execute(ctx, task)
	if out != nil {
		log.Printf("orchestration finished: phase=%s rounds=%d completed=%d failed=%d",
			out.Phase, out.Rounds, len(out.Completed), len(out.Failed))
		for _, f := range out.Failed {
			log.Printf("  failed %s: %s", f.NodeID, f.Reason)
		}
	}
	return err
}
