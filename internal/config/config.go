package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level AnyButton config.
	WorkspaceDirName = ".anybutton"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// DefaultNativeHost is the logical name of the shell helper.
	DefaultNativeHost = "com.any_button_runner"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the AnyButton daemon and CLI.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Browser BrowserConfig `yaml:"browser"`
	Agent   AgentConfig   `yaml:"agent"`
	Relay   RelayConfig   `yaml:"relay"`
	MCP     MCPConfig     `yaml:"mcp"`
	Facts   FactsConfig   `yaml:"facts"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// StoreConfig selects the shared key-value store holding button definitions.
type StoreConfig struct {
	// Driver is one of memory | file | sqlite.
	Driver string `yaml:"driver"`
	// Path of the JSON file or SQLite database.
	Path string `yaml:"path"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether serve launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Pages opened (with agents installed) right after the browser connects.
	OpenURLs []string `yaml:"open_urls"`
}

// AgentConfig tunes the page agent.
type AgentConfig struct {
	// Upper bound for a single origin regex evaluation (e.g., "100ms").
	MatchTimeout string `yaml:"match_timeout"`
	// Budget for direct script execution before it counts as a fault.
	ScriptTimeout string `yaml:"script_timeout"`
}

// RelayConfig configures the privileged relay and its native helper.
type RelayConfig struct {
	// NativeHost is the logical helper name looked up in the manifest dirs.
	NativeHost string `yaml:"native_host"`
	// ManifestDirs are searched in order for <native_host>.json manifests.
	ManifestDirs []string `yaml:"manifest_dirs"`
	// Origin passed to the helper as its first argument.
	Origin string `yaml:"origin"`
	// How long a helper may run before the relay kills it (e.g., "60s").
	NativeTimeout string `yaml:"native_timeout"`
	// Budget for escalated script execution.
	ScriptTimeout string `yaml:"script_timeout"`
	// ReportShellOutput relays helper responses back to the originating tab.
	// Off by default: shell escalation stays fire-and-forget.
	ReportShellOutput bool `yaml:"report_shell_output"`
	// Optional directory for JSONL relay traces.
	TraceDir string `yaml:"trace_dir"`
	// Optional listen address for the HTTP relay transport (e.g., "127.0.0.1:7733").
	HTTPAddr string `yaml:"http_addr"`
	// Buffered messages per tab and in the relay inbox.
	QueueSize int `yaml:"queue_size"`
}

type MCPConfig struct {
	// Enable starts the MCP surface from serve.
	Enable bool `yaml:"enable"`
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// FactsConfig controls the embedded diagnostic fact engine.
type FactsConfig struct {
	Enable bool `yaml:"enable"`
	// Optional schema override; the embedded schema is used when empty.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "anybutton",
			Version: "0.1.0",
			LogFile: "anybutton.log",
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "data/buttons.db",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
		},
		Agent: AgentConfig{
			MatchTimeout:  "100ms",
			ScriptTimeout: "2s",
		},
		Relay: RelayConfig{
			NativeHost:    DefaultNativeHost,
			NativeTimeout: "60s",
			ScriptTimeout: "10s",
			QueueSize:     64,
		},
		MCP: MCPConfig{
			Enable: false,
		},
		Facts: FactsConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .anybutton/config.yaml file.
// Returns the workspace root directory (parent of .anybutton/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .anybutton/config.yaml <- explicit --config
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .anybutton/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data"), filepath.Join(wsDir, "hosts")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# AnyButton project-level configuration
# Values here override defaults but are overridden by --config.

# store:
#   driver: sqlite
#   path: "data/buttons.db"

# relay:
#   native_host: "com.any_button_runner"
#   manifest_dirs: ["hosts"]
#   report_shell_output: false

# browser:
#   auto_start: true
#   launch: ["chromium"]
#   open_urls: ["https://example.com"]
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignore := "# Runtime data (store, traces, logs)\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, WorkspaceDirName, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Relay.TraceDir = resolve(cfg.Relay.TraceDir)
	cfg.Facts.SchemaPath = resolve(cfg.Facts.SchemaPath)
	dirs := make([]string, len(cfg.Relay.ManifestDirs))
	for i, d := range cfg.Relay.ManifestDirs {
		dirs[i] = resolve(d)
	}
	cfg.Relay.ManifestDirs = dirs
	return cfg
}

// Validate ensures required fields exist so the daemon can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, file, sqlite (got %q)", c.Store.Driver)
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Relay.NativeHost == "" {
		return errors.New("relay.native_host is required")
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetMatchTimeout returns the origin match budget (default 100ms).
func (a AgentConfig) GetMatchTimeout() time.Duration {
	return parseDuration(a.MatchTimeout, 100*time.Millisecond)
}

// GetScriptTimeout returns the direct execution budget (default 2s).
func (a AgentConfig) GetScriptTimeout() time.Duration {
	return parseDuration(a.ScriptTimeout, 2*time.Second)
}

// GetNativeTimeout returns how long a helper may run (default 60s).
func (r RelayConfig) GetNativeTimeout() time.Duration {
	return parseDuration(r.NativeTimeout, 60*time.Second)
}

// GetScriptTimeout returns the escalated execution budget (default 10s).
func (r RelayConfig) GetScriptTimeout() time.Duration {
	return parseDuration(r.ScriptTimeout, 10*time.Second)
}

// GetQueueSize returns the per-queue buffer size (default 64).
func (r RelayConfig) GetQueueSize() int {
	if r.QueueSize <= 0 {
		return 64
	}
	return r.QueueSize
}
