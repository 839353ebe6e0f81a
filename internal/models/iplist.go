package models

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
)

// IPList is the ordered allow-list of source addresses. Entries are IP
// literals or CIDR prefixes. An empty list means unrestricted.
type IPList []string

// ParseIPList splits operator input. The editor accepts one entry per line;
// storage uses the comma-joined form, so both separators are honored.
func ParseIPList(raw string) IPList {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	})
	out := make(IPList, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks every entry parses as an address or prefix.
func (l IPList) Validate() error {
	for _, entry := range l {
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return fmt.Errorf("invalid CIDR entry %q: %w", entry, err)
			}
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("invalid IP entry %q: %w", entry, err)
		}
	}
	return nil
}

// Matches reports whether sourceIP matches at least one entry. An empty
// list matches everything. Malformed entries and an unparseable source
// never match.
func (l IPList) Matches(sourceIP string) bool {
	if len(l) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range l {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// String renders the comma-joined storage form.
func (l IPList) String() string {
	return strings.Join(l, ",")
}

// UnmarshalJSON accepts a JSON array or the raw newline/comma separated
// string the editor textarea submits.
func (l *IPList) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*l = ParseIPList(raw)
		return nil
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(IPList, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	*l = out
	return nil
}
