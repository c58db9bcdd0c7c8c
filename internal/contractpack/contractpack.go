// Package contractpack loads kernel contracts from YAML. Preconditions are
// CEL expressions evaluated against the event and the pane state.
package contractpack

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/leonletto/panebus/internal/envelope"
	"github.com/leonletto/panebus/internal/kernel"
)

// Pack is one YAML document of contracts.
type Pack struct {
	Contracts []Spec `yaml:"contracts"`
}

// Spec is the declarative form of a kernel.Contract.
type Spec struct {
	ID              string   `yaml:"id"`
	Version         string   `yaml:"version"`
	Owner           string   `yaml:"owner"`
	AppliesTo       []string `yaml:"applies_to"`
	Preconditions   []string `yaml:"preconditions"`
	Severity        string   `yaml:"severity"`
	Action          string   `yaml:"action"`
	FallbackAction  string   `yaml:"fallback_action"`
	Mode            string   `yaml:"mode"`
	EmitOnViolation string   `yaml:"emit_on_violation"`
}

// Parse decodes a pack, rejecting unknown keys.
func Parse(data []byte) (*Pack, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Pack
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse contract pack: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the pack at path.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - operator-supplied contract pack
	if err != nil {
		return nil, fmt.Errorf("read contract pack %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks structural rules that do not need compilation.
func (p *Pack) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, s := range p.Contracts {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("contract %d: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("contract %s: duplicate id", s.ID))
		}
		seen[s.ID] = true
		if s.Version != "" {
			if _, err := semver.NewVersion(s.Version); err != nil {
				errs = append(errs, fmt.Errorf("contract %s: version %q: %w", s.ID, s.Version, err))
			}
		}
		if len(s.AppliesTo) == 0 {
			errs = append(errs, fmt.Errorf("contract %s: applies_to is empty", s.ID))
		}
		if !kernel.Action(s.Action).Valid() {
			errs = append(errs, fmt.Errorf("contract %s: unknown action %q", s.ID, s.Action))
		}
	}
	return errors.Join(errs...)
}

// Compiler turns CEL expressions into kernel predicates.
type Compiler struct {
	env    *cel.Env
	logger *zap.Logger
}

// NewCompiler builds the CEL environment: `event` and `state` are maps.
func NewCompiler(logger *zap.Logger) (*Compiler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Compiler{env: env, logger: logger}, nil
}

// Compile checks expr and returns a predicate for it. Evaluation errors and
// non-bool results fail the check.
func (c *Compiler) Compile(expr string) (kernel.Predicate, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return func(ev envelope.Envelope, state kernel.PaneState) bool {
		out, _, err := prg.Eval(map[string]any{
			"event": ev.Map(),
			"state": state.Map(),
		})
		if err != nil {
			c.logger.Warn("precondition evaluation failed",
				zap.String("expr", expr),
				zap.String("event_id", ev.EventID),
				zap.Error(err))
			return false
		}
		ok, isBool := out.Value().(bool)
		return isBool && ok
	}, nil
}

// Build compiles every contract in the pack.
func (c *Compiler) Build(p *Pack) ([]kernel.Contract, error) {
	out := make([]kernel.Contract, 0, len(p.Contracts))
	for _, s := range p.Contracts {
		contract := kernel.Contract{
			ID:              s.ID,
			Version:         s.Version,
			Owner:           s.Owner,
			AppliesTo:       s.AppliesTo,
			Severity:        s.Severity,
			Action:          kernel.Action(s.Action),
			FallbackAction:  kernel.Action(s.FallbackAction),
			Mode:            kernel.Mode(s.Mode),
			EmitOnViolation: s.EmitOnViolation,
		}
		for _, expr := range s.Preconditions {
			pred, err := c.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("contract %s: %w", s.ID, err)
			}
			contract.Preconditions = append(contract.Preconditions, pred)
		}
		out = append(out, contract)
	}
	return out, nil
}

// Register adds every contract to k, stopping at the first rejection.
func Register(k *kernel.Kernel, contracts []kernel.Contract) error {
	for _, c := range contracts {
		if err := k.RegisterContract(c); err != nil {
			return err
		}
	}
	return nil
}

// LoadInto reads the pack at path, compiles it and registers it on k.
func LoadInto(k *kernel.Kernel, path string, logger *zap.Logger) ([]kernel.Contract, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCompiler(logger)
	if err != nil {
		return nil, err
	}
	contracts, err := c.Build(p)
	if err != nil {
		return nil, err
	}
	return contracts, Register(k, contracts)
}
