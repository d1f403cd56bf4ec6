package imapresp

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDateFormat = errors.New("invalid INTERNALDATE format")

var internalDateRe = regexp.MustCompile(`^(?P<day>[ 0-3]?[0-9])-(?P<mon>[A-Za-z]{3})-(?P<year>[0-9]{4}) ` +
	`(?P<hour>[0-9]{2}):(?P<min>[0-9]{2}):(?P<sec>[0-9]{2}) ` +
	`(?P<zonesign>[-+])(?P<zonehour>[0-9]{2})(?P<zonemin>[0-9]{2})$`)

var months = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"may": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

// ParseInternalDate converts an IMAP INTERNALDATE such as
// "27-Mar-2007 00:51:31 +0000" to a UTC time. The day may be a single digit,
// optionally padded with a space, and surrounding quotes are ignored.
func ParseInternalDate(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}

	m := internalDateRe.FindStringSubmatch(v)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	group := func(name string) int {
		n, _ := strconv.Atoi(strings.TrimSpace(m[internalDateRe.SubexpIndex(name)]))
		return n
	}

	month, ok := months[strings.ToLower(m[internalDateRe.SubexpIndex("mon")])]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unknown month in %q", ErrInvalidDateFormat, s)
	}
	day, hour, minute, sec := group("day"), group("hour"), group("min"), group("sec")
	zoneHour, zoneMin := group("zonehour"), group("zonemin")
	if day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 || zoneMin > 59 {
		return time.Time{}, fmt.Errorf("%w: field out of range in %q", ErrInvalidDateFormat, s)
	}

	year := group("year")
	if day > time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day() {
		return time.Time{}, fmt.Errorf("%w: no day %d in %s %d in %q", ErrInvalidDateFormat, day, month, year, s)
	}

	offset := zoneHour*3600 + zoneMin*60
	if m[internalDateRe.SubexpIndex("zonesign")] == "-" {
		offset = -offset
	}

	t := time.Date(year, month, day, hour, minute, sec, 0, time.FixedZone("", offset))
	return t.UTC(), nil
}
