package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the binary, its environment prefix and its config file.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none was set.
var DefaultIdentity = Identity{
	BinaryName: "mentor",
	EnvPrefix:  "MENTOR",
	ConfigName: "mentor",
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the application identity used for env and file lookup.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// GetIdentity returns the active identity, or nil before Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetConfigFile names an explicit config file merged above the discovered
// ones. An empty path clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded configuration.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Precedence, lowest first: defaults, user
// config file, project config file, explicit config file, environment,
// runtime overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	applyDefaults(v, GetIdentity().ConfigName)

	files := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		files = append(files, filepath.Join(root, GetIdentity().ConfigName+".yaml"))
	}
	for _, path := range files {
		if err := mergeFile(v, path, false); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, explicit, true); err != nil {
			return nil, err
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func applyDefaults(v *viper.Viper, appName string) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("training.results_dir", DefaultResultsDir(appName))
	v.SetDefault("training.default_config", "config/ppo/3DBall.yaml")
	v.SetDefault("training.conda_env", "mlagents")
	v.SetDefault("training.default_base_port", 5005)
	v.SetDefault("training.tensorboard_port", 6006)
	v.SetDefault("training.learn_command", "mlagents-learn")
	v.SetDefault("training.tensorboard_command", "tensorboard")
	v.SetDefault("training.conda_executable", "")
	v.SetDefault("training.temp_root", "")
	v.SetDefault("training.cancel_grace", "10s")
	v.SetDefault("training.resume_on_start", true)
	v.SetDefault("training.log_tail_lines", 50)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.include", []string{"**"})
	v.SetDefault("archive.exclude", []string{})
	v.SetDefault("archive.rate_limit", 0.0)
}

// DefaultResultsDir is the results root inside the application data directory.
func DefaultResultsDir(appName string) string {
	return filepath.Join(gfconfig.GetAppDataDir(appName), "results")
}

func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// getUserConfigPaths lists per-user config file candidates.
func getUserConfigPaths() []string {
	id := GetIdentity()
	if id == nil {
		return []string{}
	}
	name := id.ConfigName + ".yaml"

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName, name))
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", id.ConfigName, name)
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// getEnvSpecs lists every environment variable bound to a config path.
func getEnvSpecs() []EnvSpec {
	id := GetIdentity()
	if id == nil {
		return []EnvSpec{}
	}
	table := []struct{ suffix, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"METRICS_ENABLED", "metrics.enabled"},
		{"METRICS_PORT", "metrics.port"},
		{"HEALTH_ENABLED", "health.enabled"},
		{"DEBUG", "debug.enabled"},
		{"PPROF_ENABLED", "debug.pprof_enabled"},
		{"RESULTS_DIR", "training.results_dir"},
		{"DEFAULT_CONFIG", "training.default_config"},
		{"CONDA_ENV", "training.conda_env"},
		{"BASE_PORT", "training.default_base_port"},
		{"TENSORBOARD_PORT", "training.tensorboard_port"},
		{"LEARN_COMMAND", "training.learn_command"},
		{"TENSORBOARD_COMMAND", "training.tensorboard_command"},
		{"TEMP_ROOT", "training.temp_root"},
		{"CANCEL_GRACE", "training.cancel_grace"},
		{"RESUME_ON_START", "training.resume_on_start"},
		{"ARCHIVE_ENABLED", "archive.enabled"},
		{"ARCHIVE_BUCKET", "archive.bucket"},
		{"ARCHIVE_PREFIX", "archive.prefix"},
		{"ARCHIVE_REGION", "archive.region"},
		{"ARCHIVE_ENDPOINT", "archive.endpoint"},
		{"ARCHIVE_PROFILE", "archive.profile"},
		{"ARCHIVE_FORCE_PATH_STYLE", "archive.force_path_style"},
		{"ARCHIVE_ACCESS_KEY_ID", "archive.access_key_id"},
		{"ARCHIVE_SECRET_ACCESS_KEY", "archive.secret_access_key"},
		{"ARCHIVE_INCLUDE", "archive.include"},
		{"ARCHIVE_EXCLUDE", "archive.exclude"},
		{"ARCHIVE_RATE_LIMIT", "archive.rate_limit"},
	}
	specs := make([]EnvSpec, 0, len(table))
	for _, e := range table {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + e.suffix, Path: e.path})
	}
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
