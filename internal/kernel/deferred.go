package kernel

import (
	"sort"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/envelope"
)

type deferKey struct {
	paneID     string
	contractID string
}

// DeferredEvent is an event parked until its pane's state lets it through.
type DeferredEvent struct {
	Event        envelope.Envelope `json:"event"`
	ContractID   string            `json:"contractId"`
	EnqueuedAtMs int64             `json:"enqueuedAtMs"`
}

func (k *Kernel) enqueue(env envelope.Envelope, contractID string, enqueuedAt int64) {
	key := deferKey{paneID: env.PaneID, contractID: contractID}
	k.deferred[key] = append(k.deferred[key], DeferredEvent{
		Event:        env.Clone(),
		ContractID:   contractID,
		EnqueuedAtMs: enqueuedAt,
	})
	k.timers.add(enqueuedAt+k.cfg.DeferTTL.Milliseconds(), k.sweepExpired)
}

// Deferred returns copies of the events queued for paneID, FIFO per contract.
func (k *Kernel) Deferred(paneID string) []DeferredEvent {
	var out []DeferredEvent
	for _, key := range k.deferredKeys() {
		if key.paneID != paneID {
			continue
		}
		for _, item := range k.deferred[key] {
			item.Event = item.Event.Clone()
			out = append(out, item)
		}
	}
	return out
}

// deferredKeys returns queue keys in a stable order: contract registration
// order within pane creation order, unknown contracts last.
func (k *Kernel) deferredKeys() []deferKey {
	paneRank := make(map[string]int, len(k.paneOrder))
	for i, p := range k.paneOrder {
		paneRank[p] = i
	}
	contractRank := make(map[string]int, len(k.contractOrder))
	for i, c := range k.contractOrder {
		contractRank[c] = i
	}
	rank := func(m map[string]int, v string) int {
		if r, ok := m[v]; ok {
			return r
		}
		return len(m)
	}
	keys := make([]deferKey, 0, len(k.deferred))
	for key := range k.deferred {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := rank(paneRank, keys[i].paneID), rank(paneRank, keys[j].paneID)
		if pi != pj {
			return pi < pj
		}
		ci, cj := rank(contractRank, keys[i].contractID), rank(contractRank, keys[j].contractID)
		if ci != cj {
			return ci < cj
		}
		return keys[i].contractID < keys[j].contractID
	})
	return keys
}

func (k *Kernel) expired(item DeferredEvent, now int64) bool {
	return now-item.EnqueuedAtMs >= k.cfg.DeferTTL.Milliseconds()
}

func (k *Kernel) dropDeferred(item DeferredEvent, reason string) {
	k.stats.TotalDropped++
	k.logger.Info("deferred event dropped",
		zap.String("event_id", item.Event.EventID),
		zap.String("contract_id", item.ContractID),
		zap.String("reason", reason))
	k.emitKernelEvent(EventInjectDropped, item.Event.PaneID, item.Event.CorrelationID(), map[string]any{
		"reason":     reason,
		"eventId":    item.Event.EventID,
		"contractId": item.ContractID,
		"type":       item.Event.Type,
		"paneId":     item.Event.PaneID,
	})
}

// sweepExpired drops every queued event older than the TTL.
func (k *Kernel) sweepExpired() {
	now := k.nowMs()
	for _, key := range k.deferredKeys() {
		items, ok := k.deferred[key]
		if !ok {
			continue
		}
		kept := items[:0:0]
		var gone []DeferredEvent
		for _, item := range items {
			if k.expired(item, now) {
				gone = append(gone, item)
			} else {
				kept = append(kept, item)
			}
		}
		if len(gone) == 0 {
			continue
		}
		k.setQueue(key, kept)
		for _, item := range gone {
			k.dropDeferred(item, DropReasonTTLExpired)
		}
	}
}

func (k *Kernel) setQueue(key deferKey, items []DeferredEvent) {
	if len(items) == 0 {
		delete(k.deferred, key)
		return
	}
	k.deferred[key] = items
}

// resume retries the pane's deferred events in FIFO order per contract.
// Each queue is detached while it is processed; events that still fail stay
// ahead of anything enqueued in the meantime.
func (k *Kernel) resume(paneID string) {
	for _, key := range k.deferredKeys() {
		if key.paneID != paneID {
			continue
		}
		items, ok := k.deferred[key]
		if !ok {
			continue
		}
		delete(k.deferred, key)

		var keep []DeferredEvent
		for _, item := range items {
			if k.expired(item, k.nowMs()) {
				k.dropDeferred(item, DropReasonTTLExpired)
				continue
			}
			c, ok := k.contracts[key.contractID]
			if !ok {
				k.dropDeferred(item, DropReasonContractRemove)
				continue
			}
			if !k.checkPreconditions(c, item.Event, k.State(paneID)) {
				keep = append(keep, item)
				continue
			}

			env := item.Event.Clone()
			if k.evaluate(&env, true, item.EnqueuedAtMs) != outcomeDispatch {
				continue
			}
			k.dispatch(env)
			k.emitKernelEvent(EventInjectResumed, paneID, env.CorrelationID(), map[string]any{
				"eventId":    env.EventID,
				"contractId": key.contractID,
				"type":       env.Type,
				"waitedMs":   k.nowMs() - item.EnqueuedAtMs,
			})
		}
		k.setQueue(key, append(keep, k.deferred[key]...))
	}
}
