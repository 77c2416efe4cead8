//go:build !windows

package winupdate

// DetectPendingReboot always reports no pending reboot off Windows.
func DetectPendingReboot() (bool, []string) {
	return false, nil
}
