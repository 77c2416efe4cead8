package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var knownSkips = map[string]bool{
	"ui":         true,
	"downloaded": true,
	"installed":  true,
	"reboot":     true,
	"present":    true,
	"hidden":     true,
	"software":   true,
	"driver":     true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validDays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// ClosedWindow is the start and end of a maintenance window that never
// opens.
const ClosedWindow = "00:00"

func validClock(value string) bool {
	_, err := time.Parse("15:04", value)
	return err == nil
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would break a run are clamped to safe defaults. The caller
// decides whether the remaining errors are fatal.
func (c *Config) Validate() []error {
	var errs []error

	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries %d is below minimum 1, clamping", c.Retries))
		c.Retries = 1
	} else if c.Retries > 50 {
		errs = append(errs, fmt.Errorf("retries %d exceeds maximum 50, clamping", c.Retries))
		c.Retries = 50
	}

	for name := range c.Skips {
		if !knownSkips[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("unknown skip %q", name))
		}
	}
	if c.Skips["software"] && c.Skips["driver"] {
		errs = append(errs, fmt.Errorf("skips exclude both software and driver updates; nothing would be searched"))
	}

	if c.RetryInitialIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("retry_initial_interval_seconds %.1f is negative, clamping", c.RetryInitialIntervalSeconds))
		c.RetryInitialIntervalSeconds = 0
	}
	if c.RetryMaxIntervalSeconds < c.RetryInitialIntervalSeconds {
		errs = append(errs, fmt.Errorf("retry_max_interval_seconds %.1f is below the initial interval, clamping", c.RetryMaxIntervalSeconds))
		c.RetryMaxIntervalSeconds = c.RetryInitialIntervalSeconds
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry_multiplier %.2f is below minimum 1, clamping", c.RetryMultiplier))
		c.RetryMultiplier = 1
	}

	if c.MinDiskSpaceGB < 0 {
		errs = append(errs, fmt.Errorf("min_disk_space_gb %.1f is negative, clamping", c.MinDiskSpaceGB))
		c.MinDiskSpaceGB = 0
	}

	if c.MaintenanceStart != "" || c.MaintenanceEnd != "" {
		var problem string
		switch {
		case c.MaintenanceStart == "" || c.MaintenanceEnd == "":
			problem = "maintenance_start and maintenance_end must be set together"
		case !validClock(c.MaintenanceStart):
			problem = fmt.Sprintf("maintenance_start %q is not HH:MM", c.MaintenanceStart)
		case !validClock(c.MaintenanceEnd):
			problem = fmt.Sprintf("maintenance_end %q is not HH:MM", c.MaintenanceEnd)
		}
		// A broken window fails closed: installs stay blocked until it is fixed.
		if problem != "" {
			errs = append(errs, fmt.Errorf("%s, closing the window to %s-%s so installs fail preflight", problem, ClosedWindow, ClosedWindow))
			c.MaintenanceStart = ClosedWindow
			c.MaintenanceEnd = ClosedWindow
		}
	}
	for _, day := range c.MaintenanceDays {
		if !validDays[strings.ToLower(day)] {
			errs = append(errs, fmt.Errorf("maintenance day %q is not a weekday name", day))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	switch c.ReportFormat {
	case "", "text", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("report_format %q is not valid (use text, json or yaml)", c.ReportFormat))
	}

	switch c.ReportSink {
	case "":
	case "local":
		if c.ReportDir == "" {
			errs = append(errs, fmt.Errorf("report_sink local requires report_dir"))
		}
	case "s3":
		if c.S3Bucket == "" || c.S3Region == "" {
			errs = append(errs, fmt.Errorf("report_sink s3 requires s3_bucket and s3_region"))
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			errs = append(errs, fmt.Errorf("s3_access_key_id and s3_secret_access_key must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("report_sink %q is not valid (use local or s3)", c.ReportSink))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
