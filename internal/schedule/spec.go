package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrDuplicateSlot   = errors.New("duplicate slot")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidLabel    = errors.New("invalid slot label")
)

// parser accepts standard 5-field crontab lines and descriptors such as
// "@daily" or "@every 1h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// Normalize turns a schedule expression into a cron line. "HH:MM" is accepted
// as shorthand for a daily firing at that wall-clock time.
func Normalize(expr string) (string, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return "", fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(s) {
		h, m, err := parseHHMM(s)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	return s, nil
}

// Parse validates expr and returns its cron schedule.
func Parse(expr string) (cron.Schedule, error) {
	line, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return 0, 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	return h, mm, nil
}

// nextRuns lists the next n firing times, for debug logs.
func nextRuns(sched cron.Schedule, loc *time.Location, n int) string {
	if sched == nil || n <= 0 {
		return ""
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("01-02 15:04"))
	}
	return strings.Join(parts, ", ")
}
