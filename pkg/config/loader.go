package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/KevoDB/diskcache/pkg/common/log"
	"github.com/KevoDB/diskcache/pkg/telemetry"
)

// DefaultDir holds region files when neither the file nor a region names one.
const DefaultDir = "./diskcache-data"

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text or json
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// AdminConfig configures the HTTP admin server.
type AdminConfig struct {
	// Addr is empty when the admin server is disabled
	Addr string `mapstructure:"addr"`
}

// File is the content of a configuration file.
type File struct {
	Dir       string           `mapstructure:"dir"`
	Log       LogConfig        `mapstructure:"log"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Regions   []RegionConfig   `mapstructure:"-"`
}

// DefaultFile returns the configuration used when no file is given.
func DefaultFile() *File {
	return &File{
		Dir: DefaultDir,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 10,
			Compress:   true,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// EnvPrefix starts the environment variables that override file settings,
// e.g. DISKCACHE_TELEMETRY_EXPORTERS=stdout,otlp or DISKCACHE_LOG_LEVEL=debug.
const EnvPrefix = "DISKCACHE"

// Load reads a TOML, YAML or JSON configuration file, applying defaults,
// environment overrides and validation. An empty path loads only defaults and
// the environment. Every region inherits the file's dir unless it sets its own.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := DefaultFile()
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	regions, err := decodeRegions(v.Get("regions"), cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Regions = regions

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the logger settings and every region.
func (f *File) Validate() error {
	if _, err := log.ParseLevel(f.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch strings.ToLower(f.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, f.Log.Format)
	}

	if f.Telemetry.Enabled {
		if err := f.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	seen := make(map[string]bool, len(f.Regions))
	for i := range f.Regions {
		r := &f.Regions[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
		path := filepath.Clean(r.DataPath())
		if seen[path] {
			return fmt.Errorf("%w: region %q configured twice", ErrInvalidConfig, r.Name)
		}
		seen[path] = true
	}
	return nil
}

// Region returns the region called name.
func (f *File) Region(name string) (*RegionConfig, bool) {
	for i := range f.Regions {
		if f.Regions[i].Name == name {
			return &f.Regions[i], true
		}
	}
	return nil, false
}

// NewLogger builds the process logger described by the log settings.
func (c LogConfig) NewLogger() (*log.StandardLogger, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	opts := []log.LoggerOption{log.WithLevel(level)}
	if strings.EqualFold(c.Format, "json") {
		opts = append(opts, log.WithJSON())
	}
	if c.FilePath != "" {
		opts = append(opts, log.WithFile(log.FileConfig{
			Path:       c.FilePath,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		}))
	}
	return log.NewStandardLogger(opts...), nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultFile()
	v.SetDefault("dir", d.Dir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.exporters", d.Telemetry.Exporters)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", d.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.otlp_ca_file", d.Telemetry.OTLPCAFile)
	v.SetDefault("telemetry.metric_interval", d.Telemetry.MetricInterval.String())
	v.SetDefault("telemetry.export_timeout", d.Telemetry.ExportTimeout.String())
	v.SetDefault("telemetry.batch_timeout", d.Telemetry.BatchTimeout.String())
	v.SetDefault("telemetry.max_queue_size", d.Telemetry.MaxQueueSize)
	v.SetDefault("telemetry.max_export_batch_size", d.Telemetry.MaxExportBatchSize)
}

// decodeRegions decodes each region over a default region so that keys
// missing from the file keep their defaults.
func decodeRegions(raw interface{}, dir string) ([]RegionConfig, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: regions must be a list", ErrInvalidConfig)
	}

	regions := make([]RegionConfig, 0, len(items))
	for i, item := range items {
		rc := NewDefaultRegionConfig("", dir)
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       decodeHooks(),
			WeaklyTypedInput: true,
			Result:           rc,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(item); err != nil {
			return nil, fmt.Errorf("%w: region %d: %v", ErrInvalidConfig, i, err)
		}
		rc.ApplyDefaults()
		regions = append(regions, *rc)
	}
	return regions, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook accepts Go duration strings ("30s") and plain numbers,
// which are read as seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType || from == targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return time.Duration(0), nil
			}
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			return d, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
