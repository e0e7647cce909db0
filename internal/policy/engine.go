// Package policy gates tool invocations with OPA Rego policies. With no
// policy directory configured the gate allows everything; with policies
// loaded, an undefined decision denies.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/apperr"
	"github.com/Kocoro-lab/lectern/internal/config"
)

// decisionQuery is the document every policy module contributes to.
const decisionQuery = "data.lectern.tools.decision"

// Input is the evaluation context for one tool invocation.
type Input struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// Decision is the policy verdict for one tool invocation.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates tool invocations against compiled Rego policies. Safe
// for concurrent use after New.
type Engine struct {
	path     string
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
}

// New compiles every .rego file under cfg.Path. An empty path yields a
// disabled engine that allows all calls. A configured path that fails to
// load is a hard error: an operator who wrote policies gets them enforced
// or the process does not start.
func New(cfg config.PolicyConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{path: cfg.Path, logger: logger}
	if cfg.Path == "" {
		return e, nil
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load() error {
	modules := make(map[string]string)
	err := filepath.Walk(e.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files under %s", e.path)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.compiled = &compiled

	e.logger.Info("Tool policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("path", e.path),
		zap.String("query", decisionQuery),
	)
	return nil
}

// IsEnabled reports whether compiled policies are in force.
func (e *Engine) IsEnabled() bool {
	return e.compiled != nil
}

// Evaluate returns the verdict for one tool invocation.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if e.compiled == nil {
		return Decision{Allow: true, Reason: "no policy configured"}, nil
	}

	raw, err := inputToMap(input)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.Internal, err, "encode policy input")
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(raw))
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.Internal, err, "evaluate tool policy")
	}

	decision := parseDecision(results)
	e.logger.Debug("Tool policy evaluated",
		zap.String("tool", input.Tool),
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
	)
	return decision, nil
}

// inputToMap round-trips the input through JSON so Rego sees the same
// shapes the struct tags declare.
func inputToMap(input Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseDecision accepts either a structured {allow, reason} document or a
// bare boolean. An undefined decision denies.
func parseDecision(results rego.ResultSet) Decision {
	decision := Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := value["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = value
		if value {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}
