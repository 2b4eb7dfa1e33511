package compliance

import (
	"fmt"
	"strconv"
	"strings"
)

// WindowKind distinguishes the three shapes a day bucket can take.
type WindowKind int

const (
	WindowNone WindowKind = iota
	WindowForbidden
	WindowRange
)

const minutesPerDay = 24 * 60

// DayWindow is the restricted period for one day bucket. Start and End are
// minutes after local midnight; the range is [Start, End) and wraps past
// midnight when Start > End.
type DayWindow struct {
	Kind  WindowKind
	Start int
	End   int
}

// Forbidden returns a window that blocks the whole day.
func Forbidden() DayWindow {
	return DayWindow{Kind: WindowForbidden}
}

// MustParseDayWindow is ParseDayWindow for literals in tests and fixtures.
func MustParseDayWindow(s string) DayWindow {
	w, err := ParseDayWindow(s)
	if err != nil {
		panic(err)
	}
	return w
}

// ParseDayWindow accepts "", "forbidden" (any case) or "HH:MM-HH:MM".
// An en dash is accepted as separator; 24:00 is only valid as an end.
func ParseDayWindow(s string) (DayWindow, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DayWindow{}, nil
	}
	if strings.EqualFold(s, "forbidden") {
		return Forbidden(), nil
	}

	s = strings.ReplaceAll(s, "–", "-")
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return DayWindow{}, fmt.Errorf("quiet hours window %q: want HH:MM-HH:MM or forbidden", s)
	}

	start, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return DayWindow{}, fmt.Errorf("quiet hours window %q: start: %w", s, err)
	}
	if start == minutesPerDay {
		return DayWindow{}, fmt.Errorf("quiet hours window %q: 24:00 cannot start a window", s)
	}
	end, err := parseClock(strings.TrimSpace(parts[1]))
	if err != nil {
		return DayWindow{}, fmt.Errorf("quiet hours window %q: end: %w", s, err)
	}
	if start == end {
		return DayWindow{}, fmt.Errorf("quiet hours window %q: start equals end", s)
	}

	return DayWindow{Kind: WindowRange, Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || !twoDigits(hh) || !twoDigits(mm) {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return h*60 + m, nil
}

func twoDigits(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// Contains reports whether minute-of-day m falls inside the window.
func (w DayWindow) Contains(m int) bool {
	switch w.Kind {
	case WindowForbidden:
		return true
	case WindowRange:
		if w.Start < w.End {
			return m >= w.Start && m < w.End
		}
		return m >= w.Start || m < w.End
	default:
		return false
	}
}

// Wraps reports whether the window spans midnight.
func (w DayWindow) Wraps() bool {
	return w.Kind == WindowRange && w.Start > w.End
}

func (w DayWindow) String() string {
	switch w.Kind {
	case WindowForbidden:
		return "forbidden"
	case WindowRange:
		return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler so windows travel as their
// string form in JSON and YAML.
func (w DayWindow) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; malformed windows fail
// the decode, which is how dataset and override loads reject bad grammar.
func (w *DayWindow) UnmarshalText(text []byte) error {
	parsed, err := ParseDayWindow(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
