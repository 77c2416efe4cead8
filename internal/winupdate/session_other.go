//go:build !windows

package winupdate

// OpenSession fails off Windows; there is no update agent to talk to.
func OpenSession(SessionOptions) (Session, error) {
	return nil, ErrUnsupportedPlatform
}
