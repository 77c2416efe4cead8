//go:build windows

package winupdate

import (
	"golang.org/x/sys/windows/registry"
)

const sessionManagerKey = `SYSTEM\CurrentControlSet\Control\Session Manager`

// DetectPendingReboot checks the registry locations Windows uses to flag a
// pending restart and returns the reasons it found.
func DetectPendingReboot() (bool, []string) {
	var reasons []string

	if keyExists(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`) {
		reasons = append(reasons, "Windows Update requires reboot")
	}
	if keyExists(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`) {
		reasons = append(reasons, "Component servicing reboot pending")
	}
	if hasMultiStringValue(sessionManagerKey, "PendingFileRenameOperations") {
		reasons = append(reasons, "Pending file rename operations")
	}
	if hasMultiStringValue(sessionManagerKey, "PendingFileRenameOperations2") {
		reasons = append(reasons, "Pending file rename operations (v2)")
	}

	return len(reasons) > 0, reasons
}

func keyExists(root registry.Key, path string) bool {
	k, err := registry.OpenKey(root, path, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

func hasMultiStringValue(path, name string) bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer k.Close()

	val, _, err := k.GetStringsValue(name)
	if err != nil {
		return false
	}
	return len(val) > 0
}
