package kernel

import (
	"go.uber.org/zap"
)

type safeModeState struct {
	active     bool
	violations []int64
	exitTimer  timerID
	enteredAt  int64
}

// recordViolation tracks enforced violations in the rolling window and
// enters safe mode once the threshold is reached. While active, every new
// violation pushes the exit back.
func (k *Kernel) recordViolation() {
	now := k.nowMs()
	cutoff := now - k.cfg.SafeModeWindow.Milliseconds()
	kept := k.safe.violations[:0]
	for _, ts := range k.safe.violations {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	k.safe.violations = append(kept, now)

	if k.safe.active {
		k.scheduleSafeModeExit(now)
		return
	}
	if len(k.safe.violations) >= k.cfg.SafeModeThreshold {
		k.enterSafeMode(now)
	}
}

func (k *Kernel) enterSafeMode(now int64) {
	k.safe.active = true
	k.safe.enteredAt = now
	for _, paneID := range k.paneOrder {
		k.panes[paneID].Gates.SafeMode = true
	}
	k.logger.Warn("safe mode entered",
		zap.Int("violations", len(k.safe.violations)),
		zap.String("reason", TriggerCascadingViolations))
	k.emitKernelEvent(EventSafeModeEntered, "", "", map[string]any{
		"triggerReason": TriggerCascadingViolations,
		"violations":    len(k.safe.violations),
	})
	k.scheduleSafeModeExit(now)
}

func (k *Kernel) scheduleSafeModeExit(now int64) {
	if k.safe.exitTimer != 0 {
		k.timers.cancel(k.safe.exitTimer)
	}
	k.safe.exitTimer = k.timers.add(now+k.cfg.SafeModeCooldown.Milliseconds(), k.exitSafeMode)
}

func (k *Kernel) exitSafeMode() {
	if !k.safe.active {
		return
	}
	now := k.nowMs()
	k.safe.active = false
	k.safe.exitTimer = 0
	k.safe.violations = nil
	for _, paneID := range k.paneOrder {
		k.panes[paneID].Gates.SafeMode = false
	}
	k.logger.Info("safe mode exited", zap.Int64("duration_ms", now-k.safe.enteredAt))
	k.emitKernelEvent(EventSafeModeExited, "", "", map[string]any{
		"durationMs": now - k.safe.enteredAt,
	})
	for _, paneID := range k.Panes() {
		k.resume(paneID)
	}
}

// SafeMode reports whether safe mode is active.
func (k *Kernel) SafeMode() bool {
	return k.safe.active
}
