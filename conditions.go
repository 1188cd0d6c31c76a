package authz

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ConditionKind discriminates the closed set of policy condition types.
// Policies are data, not programs: there is no expression language.
type ConditionKind string

const (
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionIPRange    ConditionKind = "ip_range"
)

// RequestContext carries the ambient facts conditions are judged against.
type RequestContext struct {
	Time time.Time
	IP   string
}

// Condition restricts when a policy applies. Kind selects which fields are
// read: Start/End for time_window ("HH:MM", window may wrap past midnight),
// CIDR for ip_range. All conditions on a policy must hold (AND).
type Condition struct {
	Kind  ConditionKind `json:"kind" yaml:"kind"`
	Start string        `json:"start,omitempty" yaml:"start,omitempty"`
	End   string        `json:"end,omitempty" yaml:"end,omitempty"`
	CIDR  string        `json:"cidr,omitempty" yaml:"cidr,omitempty"`
}

// TimeWindow builds a wall-clock window condition. Boundaries are inclusive.
func TimeWindow(start, end string) Condition {
	return Condition{Kind: ConditionTimeWindow, Start: start, End: end}
}

// IPRange builds a CIDR membership condition.
func IPRange(cidr string) Condition {
	return Condition{Kind: ConditionIPRange, CIDR: cidr}
}

func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionTimeWindow:
		if _, err := clockMinutes(c.Start); err != nil {
			return fmt.Errorf("time window start: %w", err)
		}
		if _, err := clockMinutes(c.End); err != nil {
			return fmt.Errorf("time window end: %w", err)
		}
	case ConditionIPRange:
		if _, _, err := net.ParseCIDR(c.CIDR); err != nil {
			return fmt.Errorf("ip range %q: %w", c.CIDR, err)
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Evaluate reports whether the condition holds for rc. A request without an
// IP never satisfies an ip_range condition. Malformed condition data returns
// an error so the evaluator can skip the whole policy.
func (c Condition) Evaluate(rc RequestContext) (bool, error) {
	switch c.Kind {
	case ConditionTimeWindow:
		start, err := clockMinutes(c.Start)
		if err != nil {
			return false, fmt.Errorf("time window start: %w", err)
		}
		end, err := clockMinutes(c.End)
		if err != nil {
			return false, fmt.Errorf("time window end: %w", err)
		}
		m := rc.Time.Hour()*60 + rc.Time.Minute()
		if start <= end {
			return m >= start && m <= end, nil
		}
		// Window wraps past midnight, e.g. 22:00-06:00.
		return m >= start || m <= end, nil
	case ConditionIPRange:
		_, ipnet, err := net.ParseCIDR(c.CIDR)
		if err != nil {
			return false, fmt.Errorf("ip range %q: %w", c.CIDR, err)
		}
		ip := net.ParseIP(rc.IP)
		if ip == nil {
			return false, nil
		}
		return ipnet.Contains(ip), nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// String renders the condition in the compact form the config DSL uses.
func (c Condition) String() string {
	switch c.Kind {
	case ConditionTimeWindow:
		return "window:" + c.Start + "-" + c.End
	case ConditionIPRange:
		return "cidr:" + c.CIDR
	default:
		return string(c.Kind)
	}
}

func clockMinutes(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return h*60 + m, nil
}
