//go:build windows

package winupdate

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const wuServiceName = "wuauserv"

// checkWUServiceHealth makes sure wuauserv is running, starting it and
// waiting up to 30 seconds when it is not.
func checkWUServiceHealth() (PreflightCheck, bool) {
	check := PreflightCheck{Name: "service_health"}

	m, err := mgr.Connect()
	if err != nil {
		check.Message = fmt.Sprintf("failed to connect to service manager: %v", err)
		return check, true
	}
	defer m.Disconnect()

	s, err := m.OpenService(wuServiceName)
	if err != nil {
		check.Message = fmt.Sprintf("failed to open %s service: %v", wuServiceName, err)
		return check, true
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		check.Message = fmt.Sprintf("failed to query %s status: %v", wuServiceName, err)
		return check, true
	}
	if status.State == svc.Running {
		check.Passed = true
		check.Message = wuServiceName + " is running"
		return check, true
	}

	cfg, err := s.Config()
	if err == nil && cfg.StartType == mgr.StartDisabled {
		check.Message = wuServiceName + " is disabled"
		return check, true
	}

	log.Info("starting windows update service", "state", svcStateName(status.State))
	if err := s.Start(); err != nil {
		check.Message = fmt.Sprintf("%s is %s and failed to start: %v", wuServiceName, svcStateName(status.State), err)
		return check, true
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, err = s.Query()
		if err != nil {
			check.Message = fmt.Sprintf("failed to query %s after start: %v", wuServiceName, err)
			return check, true
		}
		if status.State == svc.Running {
			check.Passed = true
			check.Message = wuServiceName + " started successfully"
			return check, true
		}
		time.Sleep(time.Second)
	}

	check.Message = fmt.Sprintf("%s did not reach running state within 30s (state: %s)", wuServiceName, svcStateName(status.State))
	return check, true
}

func svcStateName(state svc.State) string {
	switch state {
	case svc.Stopped:
		return "Stopped"
	case svc.StartPending:
		return "StartPending"
	case svc.StopPending:
		return "StopPending"
	case svc.Running:
		return "Running"
	case svc.ContinuePending:
		return "ContinuePending"
	case svc.PausePending:
		return "PausePending"
	case svc.Paused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", state)
	}
}

// checkElevation requires membership of the local Administrators group;
// the update agent refuses per-machine downloads and installs otherwise.
func checkElevation() (PreflightCheck, bool) {
	check := PreflightCheck{Name: "elevation"}

	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		check.Message = fmt.Sprintf("failed to build administrators SID: %v", err)
		return check, true
	}
	defer windows.FreeSid(sid)

	member, err := windows.Token(0).IsMember(sid)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check token membership: %v", err)
		return check, true
	}
	if !member {
		check.Message = "not running as an administrator or SYSTEM"
		return check, true
	}

	check.Passed = true
	check.Message = "running elevated"
	return check, true
}

// systemRoot is the root of the system drive, where updates are staged.
func systemRoot() string {
	drive := os.Getenv("SystemDrive")
	if drive == "" {
		drive = "C:"
	}
	return drive + `\`
}

// systemPowerStatus mirrors SYSTEM_POWER_STATUS.
type systemPowerStatus struct {
	ACLineStatus        byte
	BatteryFlag         byte
	BatteryLifePercent  byte
	SystemStatusFlag    byte
	BatteryLifeTime     uint32
	BatteryFullLifeTime uint32
}

var (
	kernel32                 = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemPowerStatus = kernel32.NewProc("GetSystemPowerStatus")
)

// checkACPower passes on AC power and on machines without a battery.
func checkACPower() (PreflightCheck, bool) {
	check := PreflightCheck{Name: "battery"}

	var status systemPowerStatus
	r, _, err := procGetSystemPowerStatus.Call(uintptr(unsafe.Pointer(&status)))
	if r == 0 {
		check.Message = fmt.Sprintf("failed to get power status: %v", err)
		return check, true
	}

	// 128: no system battery
	if status.BatteryFlag == 128 {
		check.Passed = true
		check.Message = "no battery detected (desktop)"
		return check, true
	}
	// 0 offline, 1 online, 255 unknown
	if status.ACLineStatus == 1 {
		check.Passed = true
		check.Message = "AC power connected"
		return check, true
	}

	check.Message = fmt.Sprintf("running on battery power (battery: %d%%)", status.BatteryLifePercent)
	return check, true
}
