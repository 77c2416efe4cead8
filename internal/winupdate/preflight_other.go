//go:build !windows

package winupdate

// The update service and power status are Windows concepts; these checks
// are not reported elsewhere.
func checkWUServiceHealth() (PreflightCheck, bool) {
	return PreflightCheck{}, false
}

func checkElevation() (PreflightCheck, bool) {
	return PreflightCheck{}, false
}

func checkACPower() (PreflightCheck, bool) {
	return PreflightCheck{}, false
}

func systemRoot() string {
	return "/"
}
