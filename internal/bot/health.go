package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nagbot/internal/transport/telegram/router"
	"nagbot/pkg/tgui"
)

func yesNo(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func (h *Handlers) health(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.healthReport(ctx))
}

func (h *Handlers) healthReport(ctx context.Context) string {
	now := h.d.Now()
	hs := h.d.Reminders.GetHealth(ctx)

	lines := []tgui.H{tgui.B("🩺 Health")}
	if !h.d.Started.IsZero() {
		lines = append(lines, tgui.H("Uptime: "+now.Sub(h.d.Started).Truncate(time.Second).String()))
	}
	lines = append(lines,
		tgui.H(yesNo(hs.SchedulerRunning)+" scheduler running"),
		tgui.H(yesNo(hs.StoreOK)+" store reachable"),
		tgui.H(fmt.Sprintf("Pending triggers: %d", hs.PendingTriggerCount)),
	)
	if hs.LastPoll.IsZero() {
		lines = append(lines, "Last poll: never")
	} else {
		lines = append(lines, tgui.H("Last poll: "+now.Sub(hs.LastPoll).Truncate(time.Second).String()+" ago"))
	}
	if hs.LastError != "" {
		lines = append(lines, tgui.H("Last error ("+h.stamp(hs.LastErrorAt, "01-02 15:04")+"): ")+tgui.Code(tgui.TruncRunes(hs.LastError, 200)))
	}

	if h.d.Breaker != nil {
		st := h.d.Breaker()
		if st.Open {
			lines = append(lines, tgui.H("🔌 Delivery breaker OPEN until "+h.stamp(st.OpenUntil, "15:04:05")))
		} else {
			lines = append(lines, tgui.H(fmt.Sprintf("🔌 Delivery breaker closed (%d recent failures)", st.Fails)))
		}
	}
	if h.d.Engine != nil {
		es := h.d.Engine()
		lines = append(lines, tgui.H(fmt.Sprintf("⚙️ Workers %d, queue %d/%d, in flight %d, dropped %d, skipped %d",
			es.Workers, es.QueueLen, es.QueueCap, es.InFlight, es.Dropped, es.Skipped)))
	}
	if h.d.Events != nil {
		counts, since := h.d.Events.Snapshot()
		if len(counts) > 0 {
			parts := make([]string, 0, len(counts))
			for _, c := range counts {
				parts = append(parts, fmt.Sprintf("%s=%d", c.Type, c.Count))
			}
			lines = append(lines, tgui.H("📈 Since "+h.stamp(since, "01-02 15:04")+": ")+tgui.Esc(strings.Join(parts, ", ")))
		}
	}
	if h.d.Supervisors != nil {
		for _, n := range h.d.Supervisors.Snapshot() {
			active, restarts, panics := 0, uint64(0), uint64(0)
			for _, g := range n.Goroutines {
				active += g.Active
				restarts += g.Restarts
				panics += g.Panics
			}
			line := fmt.Sprintf("🧵 %s: %d active, %d restarts, %d panics", n.Name, active, restarts, panics)
			if n.FirstError != "" {
				line += ", error: " + tgui.TruncRunes(n.FirstError, 120)
			}
			lines = append(lines, tgui.Esc(line))
		}
	}
	return tgui.Lines(lines...).String()
}
