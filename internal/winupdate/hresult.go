package winupdate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// HResult is a COM HRESULT as reported by the Windows Update Agent.
type HResult uint32

type hresultInfo struct {
	name    string
	message string
}

var knownHResults = map[HResult]hresultInfo{
	0x8024000B: {"WU_E_CALL_CANCELLED", "operation was cancelled"},
	0x8024000E: {"WU_E_OPERATIONINPROGRESS", "another conflicting operation was in progress"},
	0x80240016: {"WU_E_INSTALL_NOT_ALLOWED", "install not allowed while another install is running or a reboot is pending"},
	0x80240004: {"WU_E_NOT_INITIALIZED", "the update agent is not initialized"},
	0x80240007: {"WU_E_INVALIDINDEX", "the index to a collection was invalid"},
	0x80240017: {"WU_E_NOT_APPLICABLE", "operation is not applicable to the current state"},
	0x80240020: {"WU_E_NO_INTERACTIVE_USER", "operation requires an interactive user"},
	0x80240024: {"WU_E_NO_UPDATE", "there are no updates"},
	0x8024002E: {"WU_E_WU_DISABLED", "access to an unmanaged server is not allowed"},
	0x80240032: {"WU_E_INVALID_CRITERIA", "the search criteria string was invalid"},
	0x80240044: {"WU_E_PER_MACHINE_UPDATE_ACCESS_DENIED", "only administrators can act on per-machine updates"},
	0x8024402C: {"WU_E_PT_WINHTTP_NAME_NOT_RESOLVED", "the update server name could not be resolved"},
	0x80244022: {"WU_E_PT_HTTP_STATUS_SERVICE_UNAVAIL", "the update server is temporarily unavailable"},
	0x80242014: {"WU_E_UH_POSTREBOOTSTILLPENDING", "the post-reboot operation for the update is still in progress"},
	0x80246008: {"WU_E_DM_FAILTOCONNECTTOBITS", "the download manager could not connect to BITS"},

	0x80070005: {"E_ACCESSDENIED", "access denied; run as SYSTEM or an administrator"},
	0x8007000E: {"E_OUTOFMEMORY", "not enough memory to complete the operation"},
	0x80070057: {"E_INVALIDARG", "one or more arguments are not valid"},
	0x80070422: {"ERROR_SERVICE_DISABLED", "the Windows Update service is disabled"},
	0x80072EE2: {"WININET_E_TIMEOUT", "the operation timed out"},
	0x80072EFD: {"WININET_E_CANNOT_CONNECT", "could not connect to the update server"},
	0x80072EFE: {"WININET_E_CONNECTION_ABORTED", "the connection with the server was aborted"},
	0x80072F8F: {"WININET_E_DECODING_FAILED", "a security error occurred (certificate or clock problem)"},
}

// Name returns the symbolic name, or "" for unknown codes.
func (h HResult) Name() string {
	return knownHResults[h].name
}

// String renders "0x8024000E: WU_E_OPERATIONINPROGRESS: another conflicting
// operation was in progress", or "0x...: unknown HRESULT".
func (h HResult) String() string {
	if info, ok := knownHResults[h]; ok {
		return fmt.Sprintf("0x%08X: %s: %s", uint32(h), info.name, info.message)
	}
	return fmt.Sprintf("0x%08X: unknown HRESULT", uint32(h))
}

// FormatHResult formats an HRESULT stored as a signed int, the way
// IUpdateInstallationResult.HResult arrives through a VARIANT.
func FormatHResult(hr int) string {
	return HResult(uint32(hr)).String()
}

var hresultPattern = regexp.MustCompile(`\b0[xX](8[0-9A-Fa-f]{7})\b`)

// hresultCarrier is implemented by errors that know their HRESULT.
type hresultCarrier interface {
	HResult() HResult
}

// HResultFromError extracts an HRESULT from err, either from an error in the
// chain that carries one or from the first 0x8xxxxxxx code in its text.
func HResultFromError(err error) (HResult, bool) {
	if err == nil {
		return 0, false
	}

	var carrier hresultCarrier
	if errors.As(err, &carrier) {
		return carrier.HResult(), true
	}

	m := hresultPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	v, perr := strconv.ParseUint(m[1], 16, 32)
	if perr != nil {
		return 0, false
	}
	return HResult(v), true
}

// IsOperationInProgress reports a WUA concurrent operation conflict.
func IsOperationInProgress(hr HResult) bool {
	return hr == 0x8024000E || hr == 0x80240016
}

// IsAccessDenied reports an access denied failure.
func IsAccessDenied(hr HResult) bool {
	return hr == 0x80070005 || hr == 0x80240044
}

// IsNetworkError reports a connectivity problem with the update server.
func IsNetworkError(hr HResult) bool {
	switch hr {
	case 0x80072EE2, 0x80072EFD, 0x80072EFE, 0x80072F8F, 0x8024402C, 0x80244022:
		return true
	}
	return false
}

// IsPermanent reports errors a retry cannot fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoUpdateTypes) || errors.Is(err, ErrUnsupportedPlatform) {
		return true
	}
	hr, ok := HResultFromError(err)
	if !ok {
		return false
	}
	return IsAccessDenied(hr) || hr == 0x80240032 || hr == 0x80070422
}

// comError wraps a failed COM call with its decoded HRESULT.
type comError struct {
	op  string
	hr  HResult
	err error
}

func (e *comError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.op, e.hr)
}

func (e *comError) Unwrap() error { return e.err }

func (e *comError) HResult() HResult { return e.hr }
