package kernel

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/leonletto/panebus/internal/envelope"
)

// Handler receives dispatched envelopes. Each handler gets its own copy.
type Handler func(env envelope.Envelope)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// CatchAll matches every event type.
const CatchAll = "*"

type listener struct {
	id      ListenerID
	pattern string
	handler Handler
}

// matchKind ranks a pattern against an event type: 0 no match, 1 catch-all,
// 2 namespace wildcard, 3 exact.
func matchKind(pattern, eventType string) int {
	switch {
	case pattern == eventType:
		return 3
	case pattern == CatchAll:
		return 1
	case strings.HasSuffix(pattern, ".*"):
		if strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*")) {
			return 2
		}
	}
	return 0
}

// MatchPattern reports whether pattern (exact type, "ns.*" or "*") matches
// eventType.
func MatchPattern(pattern, eventType string) bool {
	return matchKind(pattern, eventType) > 0
}

// On registers handler for pattern and returns an id for Off.
func (k *Kernel) On(pattern string, handler Handler) ListenerID {
	k.nextListener++
	id := k.nextListener
	k.listeners = append(k.listeners, &listener{id: id, pattern: pattern, handler: handler})
	return id
}

// Off removes a listener. Unknown ids are ignored.
func (k *Kernel) Off(id ListenerID) {
	for i, l := range k.listeners {
		if l.id == id {
			k.listeners = append(k.listeners[:i:i], k.listeners[i+1:]...)
			return
		}
	}
}

// matching returns the listeners for eventType: exact matches, then
// namespace wildcards with the longest namespace first, then catch-alls.
// Within a rank registration order is kept.
func (k *Kernel) matching(eventType string) []*listener {
	var exact, wildcard, all []*listener
	for _, l := range k.listeners {
		switch matchKind(l.pattern, eventType) {
		case 3:
			exact = append(exact, l)
		case 2:
			wildcard = append(wildcard, l)
		case 1:
			all = append(all, l)
		}
	}
	sort.SliceStable(wildcard, func(i, j int) bool {
		return len(wildcard[i].pattern) > len(wildcard[j].pattern)
	})
	out := make([]*listener, 0, len(exact)+len(wildcard)+len(all))
	out = append(out, exact...)
	out = append(out, wildcard...)
	return append(out, all...)
}

func (k *Kernel) dispatch(env envelope.Envelope) {
	for _, l := range k.matching(env.Type) {
		k.invoke(l, env)
	}
}

func (k *Kernel) invoke(l *listener, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("listener panicked",
				zap.Uint64("listener_id", uint64(l.id)),
				zap.String("pattern", l.pattern),
				zap.String("event_id", env.EventID),
				zap.String("type", env.Type),
				zap.Any("panic", r))
		}
	}()
	l.handler(env.Clone())
}
