package winupdate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoUpdateTypes means both software and driver updates are skipped.
	ErrNoUpdateTypes = errors.New("both software and driver updates are skipped; nothing to search")
	// ErrUnknownSkip is returned for a skip name outside SkipNames.
	ErrUnknownSkip = errors.New("unknown skip")
)

// SkipNames lists the accepted skip names in canonical spelling.
var SkipNames = []string{"UI", "downloaded", "installed", "reboot", "present", "hidden", "software", "driver"}

// Skips selects which updates a round leaves out. Installed, Reboot,
// Present and Hidden become search criteria; UI and Downloaded are applied
// to the search results; Software and Driver pick the type arms.
type Skips struct {
	UI         bool `json:"ui" yaml:"ui"`
	Downloaded bool `json:"downloaded" yaml:"downloaded"`
	Installed  bool `json:"installed" yaml:"installed"`
	Reboot     bool `json:"reboot" yaml:"reboot"`
	Present    bool `json:"present" yaml:"present"`
	Hidden     bool `json:"hidden" yaml:"hidden"`
	Software   bool `json:"software" yaml:"software"`
	Driver     bool `json:"driver" yaml:"driver"`
}

// DefaultSkips is used by list and install: interactive, installed and
// hidden updates are left out.
func DefaultSkips() Skips {
	return Skips{UI: true, Installed: true, Hidden: true}
}

// DownloadSkips is DefaultSkips plus already-downloaded updates.
func DownloadSkips() Skips {
	s := DefaultSkips()
	s.Downloaded = true
	return s
}

func (s *Skips) field(name string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ui":
		return &s.UI, nil
	case "downloaded":
		return &s.Downloaded, nil
	case "installed":
		return &s.Installed, nil
	case "reboot":
		return &s.Reboot, nil
	case "present":
		return &s.Present, nil
	case "hidden":
		return &s.Hidden, nil
	case "software":
		return &s.Software, nil
	case "driver":
		return &s.Driver, nil
	}
	return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownSkip, name, strings.Join(SkipNames, ", "))
}

// Set changes one flag by name. Names are case-insensitive.
func (s *Skips) Set(name string, value bool) error {
	f, err := s.field(name)
	if err != nil {
		return err
	}
	*f = value
	log.Debug("skip set", "skip", name, "value", value)
	return nil
}

// Get returns one flag by name.
func (s Skips) Get(name string) (bool, error) {
	f, err := s.field(name)
	if err != nil {
		return false, err
	}
	return *f, nil
}

// Apply sets every flag in overrides. Keys are applied in sorted order so
// the first unknown name reported is stable.
func (s *Skips) Apply(overrides map[string]bool) error {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.Set(name, overrides[name]); err != nil {
			return err
		}
	}
	return nil
}

// ParseSkip parses a "name=bool" pair; a bare name means true.
func ParseSkip(expr string) (string, bool, error) {
	name, raw, hasValue := strings.Cut(expr, "=")
	name = strings.TrimSpace(name)

	var probe Skips
	if _, err := probe.field(name); err != nil {
		return "", false, err
	}
	if !hasValue {
		return name, true, nil
	}

	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return name, true, nil
	case "0", "false", "no", "off":
		return name, false, nil
	}
	return "", false, fmt.Errorf("skip %q: invalid value %q", name, raw)
}

// Criteria renders the WUA search criteria. WUA only allows "or" at the top
// level, so the attribute clauses are repeated in every type arm.
func (s Skips) Criteria() (string, error) {
	var clauses []string
	if s.Installed {
		clauses = append(clauses, "IsInstalled=0")
	}
	if s.Hidden {
		clauses = append(clauses, "IsHidden=0")
	}
	if s.Reboot {
		clauses = append(clauses, "RebootRequired=0")
	}
	if s.Present {
		clauses = append(clauses, "IsPresent=0")
	}

	var types []string
	if !s.Software {
		types = append(types, "Software")
	}
	if !s.Driver {
		types = append(types, "Driver")
	}
	if len(types) == 0 {
		return "", ErrNoUpdateTypes
	}

	arms := make([]string, 0, len(types))
	for _, t := range types {
		arm := append(append([]string(nil), clauses...), fmt.Sprintf("Type='%s'", t))
		arms = append(arms, strings.Join(arm, " and "))
	}
	return strings.Join(arms, " or "), nil
}

func (s Skips) String() string {
	return fmt.Sprintf("UI=%t downloaded=%t installed=%t reboot=%t present=%t hidden=%t software=%t driver=%t",
		s.UI, s.Downloaded, s.Installed, s.Reboot, s.Present, s.Hidden, s.Software, s.Driver)
}
