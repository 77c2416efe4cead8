package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	Retries    int             `mapstructure:"retries"`
	Categories []string        `mapstructure:"categories"`
	Skips      map[string]bool `mapstructure:"skips"`
	Verbose    bool            `mapstructure:"verbose"`
	AcceptEula bool            `mapstructure:"accept_eula"`

	RetryInitialIntervalSeconds float64 `mapstructure:"retry_initial_interval_seconds"`
	RetryMaxIntervalSeconds     float64 `mapstructure:"retry_max_interval_seconds"`
	RetryMultiplier             float64 `mapstructure:"retry_multiplier"`

	MinDiskSpaceGB   float64  `mapstructure:"min_disk_space_gb"`
	RequireACPower   bool     `mapstructure:"require_ac_power"`
	MaintenanceStart string   `mapstructure:"maintenance_start"`
	MaintenanceEnd   string   `mapstructure:"maintenance_end"`
	MaintenanceDays  []string `mapstructure:"maintenance_days"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	DataDir         string `mapstructure:"data_dir"`
	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	ReportFormat string `mapstructure:"report_format"`
	ReportSink   string `mapstructure:"report_sink"`
	ReportDir    string `mapstructure:"report_dir"`

	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Prefix          string `mapstructure:"s3_prefix"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3SessionToken    string `mapstructure:"s3_session_token"`
}

func Default() *Config {
	return &Config{
		Retries:                     5,
		RetryInitialIntervalSeconds: 0,
		RetryMaxIntervalSeconds:     60,
		RetryMultiplier:             2,
		LogLevel:                    "info",
		LogFormat:                   "text",
		LogMaxSizeMB:                10,
		LogMaxBackups:               3,
		DataDir:                     GetDataDir(),
		AuditEnabled:                true,
		AuditMaxSizeMB:              50,
		AuditMaxBackups:             3,
		ReportFormat:                "text",
	}
}

// Load reads the config file (explicit path, or winupdate.yaml in the
// platform config dir / working directory) and BREEZE_WU_* environment
// overrides on top of Default(). A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile)
}

func load(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("winupdate")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_WU")
	v.AutomaticEnv()
	bindEnv(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers the scalar keys so AutomaticEnv values reach Unmarshal
// even when the key is absent from the file.
func bindEnv(v *viper.Viper, cfg *Config) {
	for _, key := range []string{
		"retries", "verbose", "accept_eula",
		"retry_initial_interval_seconds", "retry_max_interval_seconds", "retry_multiplier",
		"min_disk_space_gb", "require_ac_power", "maintenance_start", "maintenance_end",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
		"data_dir", "audit_enabled", "audit_max_size_mb", "audit_max_backups",
		"report_format", "report_sink", "report_dir",
		"s3_bucket", "s3_region", "s3_prefix", "s3_access_key_id", "s3_secret_access_key", "s3_session_token",
	} {
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

// GetDataDir returns the directory for audit logs and local reports.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "data")
	case "darwin":
		return "/Library/Application Support/Breeze/data"
	default:
		return "/var/lib/breeze"
	}
}
