package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is the zone the reminder slots are interpreted in.
const DefaultTimezone = "UTC+7"

var reFixedOffset = regexp.MustCompile(`^(?i)(?:UTC|GMT)([+-])(\d{1,2})(?::?(\d{2}))?$`)

// LoadLocation resolves an IANA name ("Asia/Ho_Chi_Minh") or a fixed offset
// ("UTC+7", "GMT-03:30"). Empty means DefaultTimezone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	if m := reFixedOffset.FindStringSubmatch(tz); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("invalid offset %q", tz)
		}
		off := h*3600 + mins*60
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(strings.ToUpper(tz), off), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
