package bridge

import (
	"fmt"
	"regexp"
)

// deviceFilter decides which devices the bridge connects to by searching
// their address with regular expressions. A whitelist admits only matching
// devices; otherwise a blacklist rejects matching ones.
type deviceFilter struct {
	patterns []*regexp.Regexp
	admit    bool
}

func newDeviceFilter(whitelist, blacklist []string) (*deviceFilter, error) {
	list, admit := blacklist, false
	if len(whitelist) > 0 {
		list, admit = whitelist, true
	}

	f := &deviceFilter{admit: admit}
	for _, p := range list {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid device pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *deviceFilter) allows(address string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(address) {
			return f.admit
		}
	}
	return !f.admit
}
