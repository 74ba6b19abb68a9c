package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// compiledTarget is a target with its topic filters compiled.
type compiledTarget struct {
	index  int
	target connectivity.Target
	topics map[signal.Topic]*vm.Program
}

// compileTargets compiles every target filter. A topic without a filter
// maps to a nil program and matches every signal of that topic.
func compileTargets(targets []connectivity.Target) ([]compiledTarget, error) {
	out := make([]compiledTarget, 0, len(targets))
	for i, t := range targets {
		ct := compiledTarget{index: i, target: t, topics: make(map[signal.Topic]*vm.Program, len(t.Topics))}
		for _, tt := range t.Topics {
			if tt.Filter == "" {
				ct.topics[tt.Topic] = nil
				continue
			}
			p, err := expr.Compile(tt.Filter, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("%w: targets[%d] %s: %w", ErrInvalidFilter, i, tt.Topic, err)
			}
			ct.topics[tt.Topic] = p
		}
		out = append(out, ct)
	}
	return out, nil
}

// filterEnv exposes the signal to target filters.
func filterEnv(sig signal.Signal) map[string]any {
	env := map[string]any{
		"type":      sig.Type,
		"topic":     string(sig.Topic),
		"entityId":  sig.EntityID.String(),
		"namespace": sig.EntityID.Namespace,
		"name":      sig.EntityID.Name,
		"path":      sig.Path,
		"headers":   map[string]string(sig.Headers),
		"value":     nil,
	}
	if len(sig.Value) > 0 {
		var v any
		if err := json.Unmarshal(sig.Value, &v); err == nil {
			env["value"] = v
		}
	}
	return env
}

// matches reports whether sig should be published to the target.
func (t compiledTarget) matches(sig signal.Signal, env func() map[string]any) (bool, error) {
	p, ok := t.topics[sig.Topic]
	if !ok {
		return false, nil
	}
	if p == nil {
		return true, nil
	}
	out, err := expr.Run(p, env())
	if err != nil {
		return false, err
	}
	// Non-boolean results never match.
	b, _ := out.(bool)
	return b, nil
}
