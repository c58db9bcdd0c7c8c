package kernel

// Activity values used by pane producers. Any string is accepted.
const (
	ActivityIdle = "idle"
)

// Connectivity values.
const (
	LinkUp   = "up"
	LinkDown = "down"
)

// Compacting gate values.
const (
	CompactingNone      = "none"
	CompactingConfirmed = "confirmed"
)

// Gates are the boolean and tri-state switches contracts usually test.
type Gates struct {
	FocusLocked bool   `json:"focusLocked"`
	Compacting  string `json:"compacting"`
	SafeMode    bool   `json:"safeMode"`
}

// Connectivity tracks the pane's transport links.
type Connectivity struct {
	Bridge string `json:"bridge"`
	PTY    string `json:"pty"`
}

// PaneState is the per-pane state vector. It is a plain value: copies never
// share memory with the kernel.
type PaneState struct {
	Activity     string       `json:"activity"`
	Gates        Gates        `json:"gates"`
	Connectivity Connectivity `json:"connectivity"`
}

// DefaultPaneState is the state a pane starts with.
func DefaultPaneState() PaneState {
	return PaneState{
		Activity:     ActivityIdle,
		Gates:        Gates{Compacting: CompactingNone},
		Connectivity: Connectivity{Bridge: LinkUp, PTY: LinkUp},
	}
}

// Map returns the state as a generic map, the shape exposed to contract
// expressions and pane.state.changed payloads.
func (s PaneState) Map() map[string]any {
	return map[string]any{
		"activity": s.Activity,
		"gates": map[string]any{
			"focusLocked": s.Gates.FocusLocked,
			"compacting":  s.Gates.Compacting,
			"safeMode":    s.Gates.SafeMode,
		},
		"connectivity": map[string]any{
			"bridge": s.Connectivity.Bridge,
			"pty":    s.Connectivity.PTY,
		},
	}
}

// StatePatch is a partial update. Nil fields are left untouched, so applying
// a patch is a deep merge.
type StatePatch struct {
	Activity     *string            `json:"activity,omitempty"`
	Gates        *GatesPatch        `json:"gates,omitempty"`
	Connectivity *ConnectivityPatch `json:"connectivity,omitempty"`
}

// GatesPatch is a partial Gates update.
type GatesPatch struct {
	FocusLocked *bool   `json:"focusLocked,omitempty"`
	Compacting  *string `json:"compacting,omitempty"`
	SafeMode    *bool   `json:"safeMode,omitempty"`
}

// ConnectivityPatch is a partial Connectivity update.
type ConnectivityPatch struct {
	Bridge *string `json:"bridge,omitempty"`
	PTY    *string `json:"pty,omitempty"`
}

// Ptr returns a pointer to v; handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Apply merges the patch into s and returns the result.
func (p StatePatch) Apply(s PaneState) PaneState {
	if p.Activity != nil {
		s.Activity = *p.Activity
	}
	if g := p.Gates; g != nil {
		if g.FocusLocked != nil {
			s.Gates.FocusLocked = *g.FocusLocked
		}
		if g.Compacting != nil {
			s.Gates.Compacting = *g.Compacting
		}
		if g.SafeMode != nil {
			s.Gates.SafeMode = *g.SafeMode
		}
	}
	if c := p.Connectivity; c != nil {
		if c.Bridge != nil {
			s.Connectivity.Bridge = *c.Bridge
		}
		if c.PTY != nil {
			s.Connectivity.PTY = *c.PTY
		}
	}
	return s
}
