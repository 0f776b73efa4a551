package exfat

import (
	"time"
)

// Directory entries stamp create, modify and access times as one packed
// 32-bit value: the low half is a date word, the high half a time word.

// ParseDate reads the date half of a timestamp:
//
//	Bits 0-4: Day of month, valid value range 1-31 inclusive.
//	Bits 5-8: Month of year, 1 = January.
//	Bits 9-15: Count of years from 1980.
//
// It returns a time.Time which always has a time of 00:00:00 UTC.
//
// Day or month 0 never occurs in a valid stamp, so in that case time.Time{}
// is returned to stay compatible with time.Time.IsZero().
func ParseDate(input uint16) time.Time {
	dayOfMonth := input & 0x1F
	monthOfYear := input & 0x1E0 >> 5
	yearSince1980 := input & 0xFE00 >> 9

	if dayOfMonth == 0 || monthOfYear == 0 {
		return time.Time{}
	}

	return time.Date(1980+int(yearSince1980), time.Month(monthOfYear), int(dayOfMonth), 0, 0, 0, 0, time.UTC)
}

// ParseTime reads the time half of a timestamp:
//
//	Bits 0-4: 2-second count, valid value range 0-29 inclusive (0-58 seconds).
//	Bits 5-10: Minutes, valid value range 0-59 inclusive.
//	Bits 11-15: Hours, valid value range 0-23 inclusive.
//
// It returns a time.Time which always has the date January 1, year 1, so a
// midnight stamp satisfies time.Time.IsZero().
//
// Out-of-range values are simply added to the time but capped at 23:59:59.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := input & 0x7E0 >> 5
	hours := input & 0xF800 >> 11

	result := time.Date(1, 1, 1, int(hours), int(minutes), seconds, 0, time.UTC)

	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}

// ParseTimestamp combines both halves of a packed timestamp into one
// time.Time. An invalid date half yields time.Time{}.
func ParseTimestamp(input uint32) time.Time {
	date := ParseDate(uint16(input))
	clock := ParseTime(uint16(input >> 16))

	if date.IsZero() {
		return time.Time{}
	}

	return time.Date(date.Year(), date.Month(), date.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
}

// EncodeTimestamp packs t into the on-disk timestamp representation.
// Seconds are stored with 2-second granularity. Times before 1980 (including
// the zero time) encode as 1980-01-01 00:00:00, times after 2107 clamp to the
// highest representable year.
func EncodeTimestamp(t time.Time) uint32 {
	t = t.UTC()

	year := t.Year() - 1980
	if year < 0 {
		return uint32(1 | 1<<5)
	}
	if year > 127 {
		year = 127
	}

	date := uint16(t.Day()) | uint16(t.Month())<<5 | uint16(year)<<9
	clock := uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11

	return uint32(date) | uint32(clock)<<16
}
