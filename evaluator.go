package authz

import (
	"context"
	"fmt"
	"sort"
)

type policyDecision struct {
	matched  bool
	policyID string
	effect   Effect
}

// evaluatePolicies finds the winning policy for a request, if any. Policies
// that fail validation or carry malformed conditions are skipped with a log
// line; evaluation continues with the rest.
func (e *Engine) evaluatePolicies(ctx context.Context, role Role, req Request, trace *[]string, includeTrace bool) (policyDecision, error) {
	candidates, err := e.policies.ListPolicies(ctx, req.Resource, req.ResourceID)
	if err != nil {
		return policyDecision{}, storeFail("list policies", err)
	}
	if len(candidates) == 0 {
		return policyDecision{}, nil
	}
	rc := RequestContext{Time: e.now(), IP: req.IP}

	matches := candidates[:0]
	for i := range candidates {
		p := &candidates[i]
		if p.Resource != req.Resource {
			continue
		}
		if !p.Global() && p.ResourceID != req.ResourceID {
			continue
		}
		if err := p.Validate(); err != nil {
			e.log.Warn("skipping invalid policy", "policy", p.ID, "err", err)
			continue
		}
		if !p.appliesTo(role, req.Action) {
			continue
		}
		ok, err := conditionsHold(p.Conditions, rc)
		if err != nil {
			e.log.Warn("skipping policy with bad condition", "policy", p.ID, "err", err)
			continue
		}
		if !ok {
			if includeTrace {
				*trace = append(*trace, fmt.Sprintf("policy %s conditions not met", p.ID))
			}
			continue
		}
		matches = append(matches, *p)
	}
	if len(matches) == 0 {
		return policyDecision{}, nil
	}
	sortPolicies(matches)
	if includeTrace {
		for _, m := range matches {
			*trace = append(*trace, fmt.Sprintf("candidate policy %s (%s, priority %d, instance=%v)", m.ID, m.Effect, m.Priority, !m.Global()))
		}
	}
	top := matches[0]
	return policyDecision{matched: true, policyID: top.ID, effect: top.Effect}, nil
}

func conditionsHold(conds []Condition, rc RequestContext) (bool, error) {
	for _, c := range conds {
		ok, err := c.Evaluate(rc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// sortPolicies orders candidates by precedence: priority descending, then
// instance-scoped over global, then DENY over ALLOW, then ID for
// determinism.
func sortPolicies(ps []ResourcePolicy) {
	sortSlice := func(i, j int) bool {
		a, b := &ps[i], &ps[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Global() != b.Global() {
			return !a.Global()
		}
		if a.Effect != b.Effect {
			return a.Effect == EffectDeny
		}
		return a.ID < b.ID
	}
	sort.SliceStable(ps, sortSlice)
}
