package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/atmosphere-mesh/atmosphere/internal/capability"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// sourceTrigger marks events produced by trigger executions. Such
// events never fire triggers again, that would loop.
const sourceTrigger = "trigger"

// triggerTimeout bounds one trigger-initiated execution.
const triggerTimeout = 60 * time.Second

// runTriggers watches the node's own event stream and fires the
// triggers that local capabilities declare for matching events.
func (n *Node) runTriggers(ctx context.Context) {
	events, unsub := n.hub.Subscribe(128)
	defer unsub()

	throttle := gocache.New(5*time.Minute, 10*time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.fireTriggers(ctx, ev, throttle)
		}
	}
}

func (n *Node) fireTriggers(ctx context.Context, ev Event, throttle *gocache.Cache) {
	if src, _ := ev.Data["source"].(string); src == sourceTrigger {
		return
	}
	recs := n.reg.List(registry.Filter{NodeID: n.id.NodeID(), TriggerEvent: ev.Type})
	if len(recs) == 0 {
		return
	}

	type firing struct {
		capID string
		trg   capability.Trigger
	}
	var matches []firing
	for _, rec := range recs {
		for _, trg := range rec.Triggers {
			if trg.Event == ev.Type {
				matches = append(matches, firing{capID: rec.CapID, trg: trg})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].trg.Priority > matches[j].trg.Priority
	})

	for _, m := range matches {
		if m.trg.ThrottleMS > 0 {
			key := m.capID + "|" + m.trg.Event
			ttl := time.Duration(m.trg.ThrottleMS) * time.Millisecond
			// Add fails while the key is live, which is exactly the throttle
			if err := throttle.Add(key, struct{}{}, ttl); err != nil {
				n.logger.Debug("trigger throttled", "cap_id", m.capID, "event", ev.Type)
				continue
			}
		}
		intent := renderIntent(m.trg.IntentTemplate, ev.Data)
		go n.runTrigger(ctx, m.capID, m.trg, ev, intent)
	}
}

// runTrigger routes the synthesized intent and executes the winner.
func (n *Node) runTrigger(ctx context.Context, capID string, trg capability.Trigger, ev Event, intent string) {
	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	dec, err := n.route.Route(router.Intent{Text: intent, RouteHint: trg.RouteHint})
	if err != nil {
		n.logger.Warn("trigger route failed", "cap_id", capID, "event", ev.Type, "error", err)
		n.hub.Publish("trigger_failed", map[string]any{
			"source": sourceTrigger, "cap_id": capID, "event": ev.Type, "error": err.Error(),
		})
		return
	}

	payload, err := json.Marshal(map[string]any{"intent": intent, "event": ev.Type, "data": ev.Data})
	if err != nil {
		n.logger.Warn("trigger payload encode failed", "cap_id", capID, "error", err)
		return
	}

	res, err := n.exec.Execute(ctx, dec, executor.Request{
		CapID:   dec.CapID,
		Payload: payload,
	})
	if err != nil {
		n.logger.Warn("trigger execution failed",
			"cap_id", capID, "event", ev.Type, "target", dec.CapID, "error", err)
		n.hub.Publish("trigger_failed", map[string]any{
			"source": sourceTrigger, "cap_id": capID, "event": ev.Type, "target": dec.CapID, "error": err.Error(),
		})
		return
	}

	n.logger.Info("trigger fired",
		"cap_id", capID, "event", ev.Type,
		"target", res.CapID, "node", res.NodeID, "local", res.Local)
	n.auditWrite("trigger_fired", map[string]any{
		"cap_id": capID, "event": ev.Type, "target": res.CapID, "node": res.NodeID,
	})
	n.hub.Publish("trigger_fired", map[string]any{
		"source": sourceTrigger, "cap_id": capID, "event": ev.Type, "target": res.CapID, "node": res.NodeID,
	})
}

// renderIntent substitutes {key} placeholders with values from the
// event data. Unknown placeholders stay as written.
func renderIntent(tpl string, data map[string]any) string {
	if len(data) == 0 || !strings.Contains(tpl, "{") {
		return tpl
	}
	out := tpl
	for k, v := range data {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}
