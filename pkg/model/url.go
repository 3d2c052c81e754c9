package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseTimeDuration accepts Go durations ("30m") and ISO-8601 durations ("PT30M", "P1D").
func ParseTimeDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", raw)
		}
		return d, nil
	}

	m := isoDuration.FindStringSubmatch(strings.ToUpper(raw))
	if m == nil || raw == "P" || strings.HasSuffix(strings.ToUpper(raw), "T") {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		if n > (math.MaxInt64-int64(total))/int64(unit) {
			return 0, fmt.Errorf("duration %q is out of range", raw)
		}
		total += time.Duration(n) * unit
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}
	return total, nil
}

// QueryURL returns the page to capture. With a time_duration the URL gains a
// global time filter ending at now.
func (v *VisualReportParams) QueryURL(now time.Time) (string, error) {
	if v.TimeDuration == "" {
		return v.BaseURL, nil
	}
	d, err := ParseTimeDuration(v.TimeDuration)
	if err != nil {
		return "", err
	}

	const layout = "2006-01-02T15:04:05.000Z"
	to := now.UTC()
	from := to.Add(-d)

	sep := "?"
	if strings.Contains(v.BaseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_g=(time:(from:'%s',to:'%s'))", v.BaseURL, sep, from.Format(layout), to.Format(layout)), nil
}
