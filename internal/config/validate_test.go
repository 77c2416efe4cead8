package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func containsErr(errs []error, substr string) bool {
	for _, err := range errs {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", errs)
	}
	if cfg.Retries != 5 {
		t.Fatalf("Retries = %d, want 5", cfg.Retries)
	}
}

func TestValidateClampsRetries(t *testing.T) {
	cfg := Default()
	cfg.Retries = 0
	errs := cfg.Validate()
	if !containsErr(errs, "below minimum 1") {
		t.Fatalf("expected clamp warning, got %v", errs)
	}
	if cfg.Retries != 1 {
		t.Fatalf("Retries = %d, want 1 (clamped)", cfg.Retries)
	}

	cfg.Retries = 500
	cfg.Validate()
	if cfg.Retries != 50 {
		t.Fatalf("Retries = %d, want 50 (clamped)", cfg.Retries)
	}
}

func TestValidateRejectsUnknownSkip(t *testing.T) {
	cfg := Default()
	cfg.Skips = map[string]bool{"reboot": true, "firmware": true}
	errs := cfg.Validate()
	if !containsErr(errs, `unknown skip "firmware"`) {
		t.Fatalf("expected unknown skip error, got %v", errs)
	}
	if containsErr(errs, `"reboot"`) {
		t.Fatalf("reboot is a known skip, got %v", errs)
	}
}

func TestValidateAcceptsLowercasedUISkip(t *testing.T) {
	cfg := Default()
	cfg.Skips = map[string]bool{"ui": false}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("viper lowercases map keys; ui must be accepted, got %v", errs)
	}
}

func TestValidateFlagsBothTypesSkipped(t *testing.T) {
	cfg := Default()
	cfg.Skips = map[string]bool{"software": true, "driver": true}
	if errs := cfg.Validate(); !containsErr(errs, "nothing would be searched") {
		t.Fatalf("expected both-types error, got %v", errs)
	}
}

func TestValidateMaintenanceWindow(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		days      []string
		want      string
		wantStart string
		wantEnd   string
	}{
		{name: "start only", start: "22:00", want: "must be set together", wantStart: ClosedWindow, wantEnd: ClosedWindow},
		{name: "end only", end: "06:00", want: "must be set together", wantStart: ClosedWindow, wantEnd: ClosedWindow},
		{name: "bad start", start: "10pm", end: "06:00", want: `maintenance_start "10pm" is not HH:MM`, wantStart: ClosedWindow, wantEnd: ClosedWindow},
		{name: "bad end", start: "22:00", end: "6", want: `maintenance_end "6" is not HH:MM`, wantStart: ClosedWindow, wantEnd: ClosedWindow},
		{name: "bad day", start: "22:00", end: "06:00", days: []string{"Funday"}, want: `"Funday" is not a weekday name`, wantStart: "22:00", wantEnd: "06:00"},
		{name: "valid overnight", start: "22:00", end: "06:00", days: []string{"Saturday", "sunday"}, wantStart: "22:00", wantEnd: "06:00"},
		{name: "no window", wantStart: "", wantEnd: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MaintenanceStart = tt.start
			cfg.MaintenanceEnd = tt.end
			cfg.MaintenanceDays = tt.days
			errs := cfg.Validate()
			if tt.want == "" {
				if len(errs) != 0 {
					t.Fatalf("expected no errors, got %v", errs)
				}
			} else if !containsErr(errs, tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, errs)
			}
			if cfg.MaintenanceStart != tt.wantStart || cfg.MaintenanceEnd != tt.wantEnd {
				t.Fatalf("window = %q-%q, want %q-%q", cfg.MaintenanceStart, cfg.MaintenanceEnd, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestValidateReportSink(t *testing.T) {
	cfg := Default()
	cfg.ReportSink = "s3"
	if errs := cfg.Validate(); !containsErr(errs, "requires s3_bucket and s3_region") {
		t.Fatalf("expected s3 requirement error, got %v", errs)
	}

	cfg = Default()
	cfg.ReportSink = "local"
	if errs := cfg.Validate(); !containsErr(errs, "requires report_dir") {
		t.Fatalf("expected report_dir error, got %v", errs)
	}

	cfg = Default()
	cfg.ReportSink = "ftp"
	if errs := cfg.Validate(); !containsErr(errs, `report_sink "ftp" is not valid`) {
		t.Fatalf("expected invalid sink error, got %v", errs)
	}
}

func TestValidateRetryBackoffClamps(t *testing.T) {
	cfg := Default()
	cfg.RetryInitialIntervalSeconds = -1
	cfg.RetryMultiplier = 0.5
	cfg.Validate()
	if cfg.RetryInitialIntervalSeconds != 0 {
		t.Fatalf("initial interval = %v, want 0", cfg.RetryInitialIntervalSeconds)
	}
	if cfg.RetryMultiplier != 1 {
		t.Fatalf("multiplier = %v, want 1", cfg.RetryMultiplier)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winupdate.yaml")
	content := `retries: 3
categories:
  - Security Updates
  - Critical Updates
skips:
  reboot: true
  UI: false
accept_eula: true
report_format: yaml
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retries != 3 {
		t.Fatalf("Retries = %d, want 3", cfg.Retries)
	}
	if len(cfg.Categories) != 2 || cfg.Categories[0] != "Security Updates" {
		t.Fatalf("Categories = %v", cfg.Categories)
	}
	if !cfg.Skips["reboot"] {
		t.Fatalf("expected reboot skip, got %v", cfg.Skips)
	}
	if v, ok := cfg.Skips["ui"]; !ok || v {
		t.Fatalf("expected lowercased ui=false skip, got %v", cfg.Skips)
	}
	if !cfg.AcceptEula {
		t.Fatal("expected accept_eula true")
	}
	if cfg.ReportFormat != "yaml" {
		t.Fatalf("ReportFormat = %q, want yaml", cfg.ReportFormat)
	}
	if cfg.AuditMaxSizeMB != 50 {
		t.Fatalf("defaults should survive load, AuditMaxSizeMB = %d", cfg.AuditMaxSizeMB)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BREEZE_WU_RETRIES", "7")
	path := filepath.Join(t.TempDir(), "winupdate.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retries != 7 {
		t.Fatalf("Retries = %d, want 7 from env", cfg.Retries)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}
