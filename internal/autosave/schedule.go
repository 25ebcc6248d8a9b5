package autosave

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	default:
		return "cron"
	}
}

// Plan is a validated autosave schedule. Accepted forms:
//
//	cron expression    "*/5 * * * *", "0 */10 * * * *", "@hourly", "@every 30s"
//	Go duration        "90s", "2h30m"
//	clock span HH:MM   "00:05", "01:30"
//
// A "cron:" prefix forces cron parsing; "interval:" or "every:" forces an
// interval.
type Plan struct {
	Kind  Kind
	Expr  string
	Every time.Duration
	Form  string // cron, duration or hhmm
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule classifies and validates raw.
func ParseSchedule(raw string) (Plan, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Plan{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		return cronPlan(rest)
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return intervalPlan(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return cronPlan(s)
	}
	if p, err := intervalPlan(s); err == nil {
		return p, nil
	}
	return Plan{}, fmt.Errorf("invalid schedule %q: want a cron expression, HH:MM or a duration", raw)
}

// Schedule builds the cron schedule for p.
func (p Plan) Schedule() (cron.Schedule, error) {
	if p.Kind == KindInterval {
		return cron.Every(p.Every), nil
	}
	return cronParser.Parse(p.Expr)
}

func (p Plan) String() string {
	if p.Kind == KindInterval {
		return "every " + p.Every.String()
	}
	return p.Expr
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func cronPlan(expr string) (Plan, error) {
	if expr == "" {
		return Plan{}, errors.New("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Plan{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Plan{Kind: KindCron, Expr: expr, Form: "cron"}, nil
}

func intervalPlan(v string) (Plan, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Plan{}, errors.New("interval required")
	}
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		d, err := clockSpan(hh, mm)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid HH:MM %q: %w", v, err)
		}
		return Plan{Kind: KindInterval, Every: d, Form: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d < time.Second {
		return Plan{}, errors.New("interval must be >= 1s")
	}
	return Plan{Kind: KindInterval, Every: d, Form: "duration"}, nil
}

func clockSpan(hh, mm string) (time.Duration, error) {
	if len(hh) == 0 || len(hh) > 3 || len(mm) != 2 {
		return 0, errors.New("want H:MM up to HHH:MM")
	}
	h, err := strconv.ParseUint(hh, 10, 16)
	if err != nil {
		return 0, err
	}
	m, err := strconv.ParseUint(mm, 10, 8)
	if err != nil {
		return 0, err
	}
	if m > 59 {
		return 0, errors.New("minutes out of range")
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d <= 0 {
		return 0, errors.New("span must be > 0")
	}
	return d, nil
}
