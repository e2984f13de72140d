package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence defines the deterministic sequence of due instants.
//
// Exactly one of Interval or Cron is set. For interval cadences the due
// instants are Anchor + k*Interval (k >= 0). For cron cadences they are the
// activations of the expression evaluated in Location.
//
// Jitter only delays when the controller wakes up; it never changes which
// slot is due.
type Cadence struct {
	Interval time.Duration
	Anchor   time.Time

	Cron     string
	Location *time.Location

	Jitter time.Duration

	sched cron.Schedule
}

// cronParser accepts both 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "0 9 * * *", "@daily", "@hourly"
//   - Interval duration: "1h", "24h", "2h30m", "@every 6h"
//   - Interval HH:MM: "24:00" (a day), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec parses a schedule string into either a cron expression or an interval duration.
func ParseSpec(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		// Anchored interval rather than robfig's run-relative ConstantDelaySchedule.
		return parseIntervalSpec(s[len("@every "):])
	}

	// Any whitespace or leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if ps, err := parseIntervalSpec(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * *', HH:MM like '24:00', or duration like '6h')",
		raw,
	)
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '6h')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// anchorLayouts are tried in order; zone-less layouts are read in the cadence location.
var anchorLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// defaultAnchorDate is used for "HH:MM" anchors so the sequence doesn't depend
// on the day the process happened to start.
var defaultAnchorDate = [3]int{2000, 1, 1}

// ParseAnchor parses an anchor instant. An empty string means midnight of
// 2000-01-01 in loc; "HH:MM" means that time of day on the same fixed date.
func ParseAnchor(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	y, mo, d := defaultAnchorDate[0], time.Month(defaultAnchorDate[1]), defaultAnchorDate[2]
	if s == "" {
		return time.Date(y, mo, d, 0, 0, 0, 0, loc), nil
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, loc), nil
	}
	for _, layout := range anchorLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid anchor %q (use RFC3339, 'YYYY-MM-DD HH:MM' or 'HH:MM')", raw)
}

// NewInterval builds an anchored interval cadence.
func NewInterval(every time.Duration, anchor time.Time, jitter time.Duration) (Cadence, error) {
	if every < time.Second {
		return Cadence{}, fmt.Errorf("interval must be >= 1s, got %s", every)
	}
	if jitter < 0 {
		return Cadence{}, fmt.Errorf("jitter must be >= 0")
	}
	return Cadence{Interval: every, Anchor: anchor, Location: anchor.Location(), Jitter: jitter}, nil
}

// NewCron builds a cron cadence evaluated in loc.
func NewCron(expr string, loc *time.Location, jitter time.Duration) (Cadence, error) {
	if loc == nil {
		loc = time.UTC
	}
	if jitter < 0 {
		return Cadence{}, fmt.Errorf("jitter must be >= 0")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if sched.Next(time.Now().In(loc)).IsZero() {
		return Cadence{}, fmt.Errorf("cron %q never fires", expr)
	}
	return Cadence{Cron: expr, Location: loc, Jitter: jitter, sched: sched}, nil
}

// FromSpec is the config-facing constructor: it accepts any ParseSpec form.
func FromSpec(raw, anchor string, loc *time.Location, jitter time.Duration) (Cadence, error) {
	ps, err := ParseSpec(raw)
	if err != nil {
		return Cadence{}, err
	}
	switch ps.Kind {
	case SpecCron:
		if strings.TrimSpace(anchor) != "" {
			return Cadence{}, fmt.Errorf("anchor is only valid with interval schedules")
		}
		return NewCron(ps.Cron, loc, jitter)
	case SpecInterval:
		a, err := ParseAnchor(anchor, loc)
		if err != nil {
			return Cadence{}, err
		}
		return NewInterval(ps.Every, a, jitter)
	default:
		return Cadence{}, fmt.Errorf("unsupported schedule kind")
	}
}

// String renders the cadence for logs and status output.
func (c Cadence) String() string {
	if c.IsCron() {
		return fmt.Sprintf("cron %q (%s)", c.Cron, c.location())
	}
	return fmt.Sprintf("every %s from %s", c.Interval, c.Anchor.Format(time.RFC3339))
}

func (c Cadence) IsCron() bool { return c.sched != nil }

func (c Cadence) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}
