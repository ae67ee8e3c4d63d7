package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseOlderThan turns a --older-than value into a cutoff instant. It
// accepts a duration ("72h"), an RFC3339 time or date, or natural language
// ("3 days ago", "last monday").
func parseOlderThan(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %q", raw)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
		return t, nil
	}
	res, err := whenParser.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", raw, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", raw)
	}
	return res.Time, nil
}
