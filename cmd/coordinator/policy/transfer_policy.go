package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/modelrelay/common/models"
)

// TransferPolicy decides whether a completed download is shipped to the target path automatically.
//
// The rule is a CEL expression over two variables:
//
//	job   the finished download record (camelCase fields, e.g. job.totalFiles)
//	repo  its repository identity (e.g. repo.owner, repo.repoType)
//
// Example: repo.owner == "meta-llama" && job.totalFiles < 50
type TransferPolicy struct {
	rule    string
	target  string
	program cel.Program
}

// New compiles rule; an empty rule yields a nil policy that never matches
func New(rule, target string) (*TransferPolicy, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, nil
	}
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("auto-transfer target path is required")
	}

	prg, err := compile(rule)
	if err != nil {
		return nil, err
	}

	return &TransferPolicy{
		rule:    rule,
		target:  target,
		program: prg,
	}, nil
}

// Rule returns the source expression
func (p *TransferPolicy) Rule() string {
	if p == nil {
		return ""
	}
	return p.rule
}

// Evaluate returns the target path when job is a successful download the rule accepts
func (p *TransferPolicy) Evaluate(job *models.Job) (string, bool, error) {
	if p == nil || job == nil {
		return "", false, nil
	}
	if job.Kind != models.KindDownload || job.Status != models.StatusCompleted {
		return "", false, nil
	}

	jobVars, err := toMap(job)
	if err != nil {
		return "", false, err
	}
	repoVars := map[string]any{}
	if job.Repo != nil {
		if repoVars, err = toMap(job.Repo); err != nil {
			return "", false, err
		}
	}

	out, _, err := p.program.Eval(map[string]any{
		"job":  jobVars,
		"repo": repoVars,
	})
	if err != nil {
		return "", false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return "", false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	if !matched {
		return "", false, nil
	}
	return p.target, true, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("job", cel.DynType),
		cel.Variable("repo", cel.DynType),
		// JSON numbers arrive as doubles
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// toMap exposes v to CEL through its JSON field names
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
