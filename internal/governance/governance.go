// Package governance implements the policy engine every mutation in the
// control plane passes through before it is signed, audited or applied.
// Policies are data, loaded from YAML with hot-reload support, the same
// shape the teacher's sandbox policy loader uses for its security rules.
package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"gopkg.in/yaml.v3"

	"github.com/grace-platform/control-plane/internal/graceerr"
)

// Decision is the outcome of evaluating a policy against a request.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionReview Decision = "review"
)

// precedence: deny beats review beats allow.
func (d Decision) rank() int {
	switch d {
	case DecisionDeny:
		return 2
	case DecisionReview:
		return 1
	default:
		return 0
	}
}

// Policy is one data-driven rule: if ResourcePattern and ActionPattern both
// match the request, and every Condition evaluates true against the
// request's Context, Decision applies.
type Policy struct {
	Name             string   `yaml:"name"`
	ResourcePattern  string   `yaml:"resource_pattern"`
	ActionPattern    string   `yaml:"action_pattern"`
	Decision         Decision `yaml:"decision"`
	Conditions       []string `yaml:"conditions"`
	Priority         int      `yaml:"priority"`
	Description      string   `yaml:"description"`
}

// PolicyFile is the on-disk YAML shape loaded from GovernanceConfig.PoliciesFile.
type PolicyFile struct {
	Policies []Policy `yaml:"policies"`
}

// Request is what the governance engine evaluates.
type Request struct {
	Resource string
	Action   string
	Actor    string
	Context  map[string]interface{}
}

// Result records which policy decided, and why.
type Result struct {
	Decision   Decision
	PolicyName string
	Reason     string
}

// Engine evaluates requests against the loaded policy set. Precedence when
// multiple policies match: the most severe decision among all matches wins
// (deny beats review beats allow), whatever their Priority; Priority only
// decides which of several matches with that same decision is reported, the
// highest one. A request matched by no policy defaults to review,
// never allow — the fail-safe the spec requires.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	path     string
}

// New builds an Engine with an initial policy set (may be empty; load with
// LoadFile or SetPolicies).
func New(policies []Policy) *Engine {
	e := &Engine{}
	e.SetPolicies(policies)
	return e
}

// LoadFile loads and parses a YAML policy file, replacing the current set.
func LoadFile(path string) (*Engine, error) {
	e := &Engine{path: path}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the policy file from disk. A missing file is treated as
// an empty policy set (every request falls through to the review default),
// never an error, so a fresh deployment can boot before policies exist.
func (e *Engine) Reload() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.SetPolicies(nil)
			return nil
		}
		return fmt.Errorf("read policy file %s: %w", e.path, err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file %s: %w", filepath.Base(e.path), err)
	}
	e.SetPolicies(pf.Policies)
	return nil
}

// SetPolicies replaces the policy set, sorted by descending Priority.
func (e *Engine) SetPolicies(policies []Policy) {
	sorted := append([]Policy{}, policies...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority > sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = sorted
}

// Watch polls the policy file for changes every interval until ctx is
// cancelled, calling Reload on each change.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	if e.path == "" || interval <= 0 {
		return
	}
	var lastMod time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(e.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				_ = e.Reload()
			}
		}
	}
}

// Evaluate decides req against the current policy set.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	var best *Result
	for i := range policies {
		p := &policies[i]
		if !globMatch(p.ResourcePattern, req.Resource) || !globMatch(p.ActionPattern, req.Action) {
			continue
		}
		ok, err := evaluateConditions(p.Conditions, req)
		if err != nil {
			return Result{}, graceerr.ValidationFailed(fmt.Sprintf("policy %q condition error: %v", p.Name, err))
		}
		if !ok {
			continue
		}
		r := Result{Decision: p.Decision, PolicyName: p.Name, Reason: p.Description}
		if best == nil || r.Decision.rank() > best.Decision.rank() {
			best = &r
		}
		// policies are priority-sorted; the first match at the top
		// priority band already wins unless a later, lower-priority
		// policy outranks it on decision severity, so keep scanning
		// only to let deny/review override a weaker allow.
	}

	if best == nil {
		return Result{Decision: DecisionReview, Reason: "no policy matched; defaulting to review"}, nil
	}
	return *best, nil
}

// Authorize is a convenience wrapper returning a graceerr.Error for non-allow
// decisions, for call sites that just need to fail closed.
func (e *Engine) Authorize(ctx context.Context, req Request) (Result, error) {
	res, err := e.Evaluate(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Decision != DecisionAllow {
		return res, graceerr.GovernanceDenied(req.Resource, req.Action, res.PolicyName).
			WithDetail("decision", string(res.Decision))
	}
	return res, nil
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := filepath.Match(pattern, value)
	return err == nil && ok
}

// evaluateConditions runs each condition expression (a gval/jsonpath
// boolean expression over req.Context) and requires all to hold.
func evaluateConditions(conditions []string, req Request) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	env := map[string]interface{}{
		"actor":    req.Actor,
		"resource": req.Resource,
		"action":   req.Action,
		"context":  req.Context,
	}
	for _, cond := range conditions {
		lang := gval.Full(jsonpath.Language())
		val, err := lang.Evaluate(cond, env)
		if err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", cond, err)
		}
		b, ok := val.(bool)
		if !ok {
			return false, fmt.Errorf("condition %q did not evaluate to a boolean", cond)
		}
		if !b {
			return false, nil
		}
	}
	return true, nil
}
