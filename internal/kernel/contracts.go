package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/envelope"
)

// Action is what the kernel does with an event that fails a contract.
type Action string

// Contract actions.
const (
	ActionDefer    Action = "defer"
	ActionDrop     Action = "drop"
	ActionBlock    Action = "block"
	ActionSkip     Action = "skip"
	ActionContinue Action = "continue"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionDefer, ActionDrop, ActionBlock, ActionSkip, ActionContinue:
		return true
	}
	return false
}

// Mode selects whether violations are enforced or only observed.
type Mode string

// Contract modes.
const (
	ModeEnforced Mode = "enforced"
	ModeShadow   Mode = "shadow"
)

// Predicate is a contract precondition. It must not retain or mutate its
// arguments. A panic counts as a failed check.
type Predicate func(ev envelope.Envelope, state PaneState) bool

// Contract is a named set of preconditions guarding one or more event types.
type Contract struct {
	ID            string
	Version       string
	Owner         string
	AppliesTo     []string
	Preconditions []Predicate
	Severity      string
	Action        Action
	// FallbackAction replaces ActionDefer when the pane's queue for this
	// contract is full.
	FallbackAction  Action
	Mode            Mode
	EmitOnViolation string
}

// ErrInvalidContract wraps every contract registration failure.
var ErrInvalidContract = errors.New("invalid contract")

func (c *Contract) appliesTo(eventType string) bool {
	for _, t := range c.AppliesTo {
		if t == eventType {
			return true
		}
	}
	return false
}

func normalizeContract(c Contract) (Contract, error) {
	if strings.TrimSpace(c.ID) == "" {
		return c, fmt.Errorf("%w: id is required", ErrInvalidContract)
	}
	if len(c.AppliesTo) == 0 {
		return c, fmt.Errorf("%w: %s: appliesTo is empty", ErrInvalidContract, c.ID)
	}
	for _, t := range c.AppliesTo {
		if t == "" || strings.Contains(t, "*") {
			return c, fmt.Errorf("%w: %s: appliesTo entries must be exact event types, got %q", ErrInvalidContract, c.ID, t)
		}
	}
	if !c.Action.Valid() {
		return c, fmt.Errorf("%w: %s: unknown action %q", ErrInvalidContract, c.ID, c.Action)
	}
	if c.FallbackAction == "" {
		c.FallbackAction = ActionDrop
	}
	if !c.FallbackAction.Valid() || c.FallbackAction == ActionDefer {
		return c, fmt.Errorf("%w: %s: invalid fallback action %q", ErrInvalidContract, c.ID, c.FallbackAction)
	}
	switch c.Mode {
	case "":
		c.Mode = ModeEnforced
	case ModeEnforced, ModeShadow:
	default:
		return c, fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidContract, c.ID, c.Mode)
	}
	for i, p := range c.Preconditions {
		if p == nil {
			return c, fmt.Errorf("%w: %s: precondition %d is nil", ErrInvalidContract, c.ID, i)
		}
	}
	c.AppliesTo = append([]string(nil), c.AppliesTo...)
	c.Preconditions = append([]Predicate(nil), c.Preconditions...)
	return c, nil
}

// RegisterContract adds or replaces a contract. Registering an id twice keeps
// the latest definition and its original evaluation position.
func (k *Kernel) RegisterContract(c Contract) error {
	nc, err := normalizeContract(c)
	if err != nil {
		return err
	}
	if prev, ok := k.contracts[nc.ID]; ok {
		k.warnOnDowngrade(prev, &nc)
	} else {
		k.contractOrder = append(k.contractOrder, nc.ID)
	}
	k.contracts[nc.ID] = &nc
	return nil
}

// RemoveContract unregisters a contract. Events deferred by it are dropped.
func (k *Kernel) RemoveContract(id string) bool {
	if _, ok := k.contracts[id]; !ok {
		return false
	}
	delete(k.contracts, id)
	for i, cid := range k.contractOrder {
		if cid == id {
			k.contractOrder = append(k.contractOrder[:i], k.contractOrder[i+1:]...)
			break
		}
	}
	for _, key := range k.deferredKeys() {
		if key.contractID != id {
			continue
		}
		items := k.deferred[key]
		delete(k.deferred, key)
		for _, item := range items {
			k.dropDeferred(item, DropReasonContractRemove)
		}
	}
	return true
}

// Contracts returns the registered contract ids in evaluation order.
func (k *Kernel) Contracts() []string {
	return append([]string(nil), k.contractOrder...)
}

func (k *Kernel) warnOnDowngrade(prev, next *Contract) {
	if prev.Version == "" || next.Version == "" {
		return
	}
	pv, err1 := semver.NewVersion(prev.Version)
	nv, err2 := semver.NewVersion(next.Version)
	if err1 != nil || err2 != nil {
		return
	}
	if nv.LessThan(pv) {
		k.logger.Warn("contract replaced by older version",
			zap.String("contract_id", next.ID),
			zap.String("previous", prev.Version),
			zap.String("next", next.Version))
	}
}

// checkPreconditions runs every precondition of c. Panics fail closed.
func (k *Kernel) checkPreconditions(c *Contract, env envelope.Envelope, state PaneState) (passed bool) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("contract precondition panicked",
				zap.String("contract_id", c.ID),
				zap.String("event_id", env.EventID),
				zap.Any("panic", r))
			passed = false
		}
	}()
	for _, pre := range c.Preconditions {
		if !pre(env.Clone(), state) {
			return false
		}
	}
	return true
}

type outcome int

const (
	outcomeDispatch outcome = iota
	outcomeDeferred
	outcomeDropped
)

// evaluate runs every applicable contract against env in registration order.
// In recheck mode (re-evaluating a resumed event) violations are neither
// counted nor fed into safe-mode detection.
func (k *Kernel) evaluate(env *envelope.Envelope, recheck bool, enqueuedAt int64) outcome {
	for _, id := range append([]string(nil), k.contractOrder...) {
		c, ok := k.contracts[id]
		if !ok || !c.appliesTo(env.Type) {
			continue
		}
		state := k.ensurePane(env.PaneID)
		passed := k.checkPreconditions(c, *env, *state)
		k.emitKernelEvent(EventContractChecked, env.PaneID, env.CorrelationID(), map[string]any{
			"contractId": c.ID,
			"eventId":    env.EventID,
			"type":       env.Type,
			"passed":     passed,
		})
		if passed {
			continue
		}

		if c.Mode == ModeShadow {
			k.emitKernelEvent(EventContractShadowViolation, env.PaneID, env.CorrelationID(), violationPayload(c, env))
			continue
		}

		if !recheck {
			k.stats.ContractViolations++
			k.logger.Warn("contract violation",
				zap.String("contract_id", c.ID),
				zap.String("event_id", env.EventID),
				zap.String("type", env.Type),
				zap.String("action", string(c.Action)))
			k.emitKernelEvent(EventContractViolation, env.PaneID, env.CorrelationID(), violationPayload(c, env))
			if c.EmitOnViolation != "" {
				k.emitKernelEvent(c.EmitOnViolation, env.PaneID, env.CorrelationID(), map[string]any{
					"contractId": c.ID,
					"eventId":    env.EventID,
					"type":       env.Type,
				})
			}
			k.recordViolation()
		}

		action := c.Action
		overflow := false
		if action == ActionDefer && len(k.deferred[deferKey{env.PaneID, c.ID}]) >= k.cfg.MaxDeferredPerContract {
			action = c.FallbackAction
			overflow = true
		}

		switch action {
		case ActionDefer:
			if !recheck {
				enqueuedAt = k.nowMs()
			}
			k.enqueue(*env, c.ID, enqueuedAt)
			return outcomeDeferred
		case ActionDrop, ActionBlock:
			k.stats.TotalDropped++
			if overflow {
				k.emitKernelEvent(EventInjectDropped, env.PaneID, env.CorrelationID(), map[string]any{
					"reason":     DropReasonQueueFull,
					"eventId":    env.EventID,
					"contractId": c.ID,
					"type":       env.Type,
				})
			}
			return outcomeDropped
		case ActionSkip:
			env.Skipped = true
		case ActionContinue:
		}
	}
	return outcomeDispatch
}

func violationPayload(c *Contract, env *envelope.Envelope) map[string]any {
	return map[string]any{
		"contractId": c.ID,
		"eventId":    env.EventID,
		"type":       env.Type,
		"action":     string(c.Action),
		"severity":   c.Severity,
		"mode":       string(c.Mode),
	}
}
