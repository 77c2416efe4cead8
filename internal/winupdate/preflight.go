package winupdate

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/winupdate/internal/config"
)

// PreflightOptions configures which pre-flight checks run before a round.
type PreflightOptions struct {
	CheckServiceHealth bool     `json:"checkServiceHealth" yaml:"checkServiceHealth"`
	CheckElevation     bool     `json:"checkElevation" yaml:"checkElevation"`
	CheckDiskSpace     bool     `json:"checkDiskSpace" yaml:"checkDiskSpace"`
	MinDiskSpaceGB     float64  `json:"minDiskSpaceGb,omitempty" yaml:"minDiskSpaceGb,omitempty"`
	CheckACPower       bool     `json:"checkAcPower" yaml:"checkAcPower"`
	CheckMaintWindow   bool     `json:"checkMaintWindow" yaml:"checkMaintWindow"`
	MaintenanceStart   string   `json:"maintenanceStart,omitempty" yaml:"maintenanceStart,omitempty"` // "HH:MM"
	MaintenanceEnd     string   `json:"maintenanceEnd,omitempty" yaml:"maintenanceEnd,omitempty"`     // "HH:MM"
	MaintenanceDays    []string `json:"maintenanceDays,omitempty" yaml:"maintenanceDays,omitempty"`   // empty = every day
}

// PreflightResult captures the outcome of all pre-flight checks.
type PreflightResult struct {
	OK     bool             `json:"ok" yaml:"ok"`
	Checks []PreflightCheck `json:"checks" yaml:"checks"`
}

// PreflightCheck is one individual check result.
type PreflightCheck struct {
	Name    string `json:"name" yaml:"name"`
	Passed  bool   `json:"passed" yaml:"passed"`
	Message string `json:"message" yaml:"message"`
}

// PreflightOptionsFromConfig enables every check the config asks for.
func PreflightOptionsFromConfig(cfg *config.Config) PreflightOptions {
	return PreflightOptions{
		CheckServiceHealth: true,
		CheckElevation:     true,
		CheckDiskSpace:     cfg.MinDiskSpaceGB > 0,
		MinDiskSpaceGB:     cfg.MinDiskSpaceGB,
		CheckACPower:       cfg.RequireACPower,
		CheckMaintWindow:   cfg.MaintenanceStart != "" && cfg.MaintenanceEnd != "",
		MaintenanceStart:   cfg.MaintenanceStart,
		MaintenanceEnd:     cfg.MaintenanceEnd,
		MaintenanceDays:    cfg.MaintenanceDays,
	}
}

// forOperation narrows the checks to what an operation needs: listing only
// needs the service, downloading also needs rights and disk space.
func (o PreflightOptions) forOperation(op Operation) PreflightOptions {
	switch op {
	case OperationList:
		return PreflightOptions{CheckServiceHealth: o.CheckServiceHealth}
	case OperationDownload:
		return PreflightOptions{
			CheckServiceHealth: o.CheckServiceHealth,
			CheckElevation:     o.CheckElevation,
			CheckDiskSpace:     o.CheckDiskSpace,
			MinDiskSpaceGB:     o.MinDiskSpaceGB,
		}
	}
	return o
}

// RunPreflight runs every enabled check. Checks that do not apply to the
// host platform are left out of the result.
func RunPreflight(opts PreflightOptions) PreflightResult {
	return runPreflight(opts, time.Now())
}

func runPreflight(opts PreflightOptions, now time.Time) PreflightResult {
	result := PreflightResult{OK: true}
	add := func(check PreflightCheck) {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.OK = false
		}
	}

	if opts.CheckServiceHealth {
		if check, ok := checkWUServiceHealth(); ok {
			add(check)
		}
	}
	if opts.CheckElevation {
		if check, ok := checkElevation(); ok {
			add(check)
		}
	}
	if opts.CheckDiskSpace {
		add(checkDiskSpace(systemRoot(), opts.MinDiskSpaceGB))
	}
	if opts.CheckACPower {
		if check, ok := checkACPower(); ok {
			add(check)
		}
	}
	if opts.CheckMaintWindow {
		add(checkMaintenanceWindow(now, opts.MaintenanceStart, opts.MaintenanceEnd, opts.MaintenanceDays))
	}

	for _, check := range result.Checks {
		log.Debug("preflight check", "check", check.Name, "passed", check.Passed, "message", check.Message)
	}
	return result
}

// FirstError returns the first failed check as an *ErrPreflightFailed, or
// nil if all passed.
func (r PreflightResult) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

// checkDiskSpace verifies path has at least minGB free.
func checkDiskSpace(path string, minGB float64) PreflightCheck {
	check := PreflightCheck{Name: "disk_space"}

	usage, err := disk.Usage(path)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", path, err)
		return check
	}

	freeGB := float64(usage.Free) / (1024 * 1024 * 1024)
	if freeGB < minGB {
		check.Message = fmt.Sprintf("insufficient disk space: %.1f GB free, minimum %.1f GB required", freeGB, minGB)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%.1f GB free on %s", freeGB, path)
	return check
}

// checkMaintenanceWindow verifies now falls inside the window. Windows whose
// end is before their start run overnight (22:00-06:00); the day list is
// matched against the day the window opened.
func checkMaintenanceWindow(now time.Time, startStr, endStr string, days []string) PreflightCheck {
	check := PreflightCheck{Name: "maintenance_window"}

	startTime, err := time.Parse("15:04", startStr)
	if err != nil {
		check.Message = fmt.Sprintf("invalid maintenance start time %q: %v", startStr, err)
		return check
	}
	endTime, err := time.Parse("15:04", endStr)
	if err != nil {
		check.Message = fmt.Sprintf("invalid maintenance end time %q: %v", endStr, err)
		return check
	}

	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := startTime.Hour()*60 + startTime.Minute()
	endMinutes := endTime.Hour()*60 + endTime.Minute()

	if startMinutes == endMinutes {
		check.Message = fmt.Sprintf("maintenance window %s-%s never opens", startStr, endStr)
		return check
	}

	opened := now
	var inWindow bool
	if startMinutes <= endMinutes {
		inWindow = nowMinutes >= startMinutes && nowMinutes < endMinutes
	} else {
		inWindow = nowMinutes >= startMinutes || nowMinutes < endMinutes
		if nowMinutes < endMinutes {
			opened = now.AddDate(0, 0, -1)
		}
	}

	if !inWindow {
		check.Message = fmt.Sprintf("current time %s is outside maintenance window %s-%s", now.Format("15:04"), startStr, endStr)
		return check
	}

	if len(days) > 0 {
		day := strings.ToLower(opened.Weekday().String())
		allowed := false
		for _, d := range days {
			if strings.EqualFold(strings.TrimSpace(d), day) {
				allowed = true
				break
			}
		}
		if !allowed {
			check.Message = fmt.Sprintf("%s is not a maintenance day", day)
			return check
		}
	}

	check.Passed = true
	check.Message = fmt.Sprintf("within maintenance window %s-%s", startStr, endStr)
	return check
}
