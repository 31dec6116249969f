// Package period parses checkpoint and plugin periods into step intervals
// and answers whether a step is due.
//
// Syntax is a comma separated list of segments:
//
//	N                  every N-th step starting at 0 ("0" disables)
//	start:end          every step in [start, end]
//	start:end:stride   every stride-th step in [start, end], counted from start
//
// Empty fields take defaults (start 0, end unbounded, stride 1), so ":100:5"
// and "10::2" are valid. A blank specification is never due.
package period

import (
	"math"
	"strconv"
	"strings"

	"github.com/yndnr/simctl/internal/core/domain"
)

// Unbounded is the End of an interval without an upper limit.
const Unbounded = math.MaxUint64

// Interval is one run of due steps.
type Interval struct {
	Start  uint64
	End    uint64
	Stride uint64
}

// Contains reports whether step falls on this interval.
func (iv Interval) Contains(step uint64) bool {
	if step < iv.Start || step > iv.End {
		return false
	}
	return (step-iv.Start)%iv.Stride == 0
}

// String returns the canonical text form of the interval.
func (iv Interval) String() string {
	end := ""
	if iv.End != Unbounded {
		end = strconv.FormatUint(iv.End, 10)
	}
	return strconv.FormatUint(iv.Start, 10) + ":" + end + ":" + strconv.FormatUint(iv.Stride, 10)
}

// Period is an ordered set of intervals.
//
// A Period is not safe for concurrent mutation. The control loop owns one
// instance and serializes Contains and Append calls.
type Period struct {
	intervals []Interval
}

// New returns a period holding the given intervals.
func New(intervals ...Interval) *Period {
	return &Period{intervals: append([]Interval(nil), intervals...)}
}

// Parse converts a textual period into intervals.
func Parse(expr string) (*Period, error) {
	p := &Period{}
	if strings.TrimSpace(expr) == "" {
		return p, nil
	}

	for _, segment := range strings.Split(expr, ",") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			return nil, domain.ErrInvalidPeriodSpec.WithDetailsf("empty segment in %q", expr)
		}
		iv, disabled, err := parseSegment(segment)
		if err != nil {
			return nil, err
		}
		if disabled {
			continue
		}
		p.intervals = append(p.intervals, iv)
	}
	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(expr string) *Period {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func parseSegment(segment string) (Interval, bool, error) {
	fields := strings.Split(segment, ":")
	if len(fields) > 3 {
		return Interval{}, false, domain.ErrInvalidPeriodSpec.WithDetailsf("too many fields in %q", segment)
	}

	if len(fields) == 1 {
		stride, err := parseField(fields[0], segment)
		if err != nil {
			return Interval{}, false, err
		}
		if stride == 0 {
			return Interval{}, true, nil
		}
		return Interval{Start: 0, End: Unbounded, Stride: stride}, false, nil
	}

	iv := Interval{Start: 0, End: Unbounded, Stride: 1}
	var err error
	if f := strings.TrimSpace(fields[0]); f != "" {
		if iv.Start, err = parseField(f, segment); err != nil {
			return Interval{}, false, err
		}
	}
	if f := strings.TrimSpace(fields[1]); f != "" {
		if iv.End, err = parseField(f, segment); err != nil {
			return Interval{}, false, err
		}
	}
	if len(fields) == 3 {
		if f := strings.TrimSpace(fields[2]); f != "" {
			if iv.Stride, err = parseField(f, segment); err != nil {
				return Interval{}, false, err
			}
			if iv.Stride == 0 {
				return Interval{}, false, domain.ErrInvalidPeriodSpec.WithDetailsf("zero stride in %q", segment)
			}
		}
	}
	if iv.Start > iv.End {
		return Interval{}, false, domain.ErrInvalidPeriodSpec.WithDetailsf("start after end in %q", segment)
	}
	return iv, false, nil
}

func parseField(field, segment string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidPeriodSpec.WithDetailsf("bad number %q in %q", field, segment).WithCause(err)
	}
	return v, nil
}

// Contains reports whether step is due. An empty period is never due.
func (p *Period) Contains(step uint64) bool {
	if p == nil {
		return false
	}
	for _, iv := range p.intervals {
		if iv.Contains(step) {
			return true
		}
	}
	return false
}

// Append adds the single-step interval {step, step}. Existing intervals keep
// their order.
func (p *Period) Append(step uint64) {
	p.intervals = append(p.intervals, Interval{Start: step, End: step, Stride: 1})
}

// Empty reports whether the period has no intervals.
func (p *Period) Empty() bool {
	return p == nil || len(p.intervals) == 0
}

// Intervals returns a copy of the intervals in insertion order.
func (p *Period) Intervals() []Interval {
	if p == nil {
		return nil
	}
	return append([]Interval(nil), p.intervals...)
}

// String returns the canonical text form, parseable by Parse.
func (p *Period) String() string {
	if p.Empty() {
		return ""
	}
	parts := make([]string, len(p.intervals))
	for i, iv := range p.intervals {
		parts[i] = iv.String()
	}
	return strings.Join(parts, ",")
}
