package reminders

import (
	"context"
	"time"

	"reminderd/internal/task/scheduler"
)

// Trigger is one rule in the status listing.
type Trigger struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	At    time.Time `json:"at"`
	Live  int       `json:"live"`
}

// Status is the operator view of the engine.
type Status struct {
	GlobalEnabled    bool                  `json:"global_enabled"`
	Permission       string                `json:"permission"`
	PermissionStatus string                `json:"permission_status"`
	Timezone         string                `json:"timezone"`
	Rules            int                   `json:"rules"`
	EnabledRules     int                   `json:"enabled_rules"`
	LiveTimers       int                   `json:"live_timers"`
	Gate             scheduler.GateInfo    `json:"water_interval"`
	Next             []Trigger             `json:"next"`
	LastFire         *FireRecord           `json:"last_fire,omitempty"`
	Migrated         bool                  `json:"migrated"`
	Timers           []scheduler.EntryInfo `json:"timers,omitempty"`
}

// Status collects the current state. Safe to call from any goroutine.
func (s *Service) Status(ctx context.Context) Status {
	st := s.store.State()
	out := Status{
		GlobalEnabled: st.GlobalEnabled,
		Permission:    string(s.disp.Permission(ctx)),
		Rules:         len(st.CustomReminders),
		LiveTimers:    s.sched.LiveTotal(),
		Gate:          s.gate.Info(),
	}
	for _, r := range st.CustomReminders {
		if r.Enabled {
			out.EnabledRules++
		}
	}

	out.Timers = s.sched.Snapshot()
	for _, e := range out.Timers {
		if e.Live == 0 || e.Next.IsZero() {
			continue
		}
		out.Next = append(out.Next, Trigger{ID: e.ID, Title: e.Title, At: e.Next, Live: e.Live})
	}

	s.mu.Lock()
	out.PermissionStatus = s.permStatus
	out.Timezone = s.loc.String()
	out.Migrated = s.migrated
	if s.lastFire != nil {
		rec := *s.lastFire
		out.LastFire = &rec
	}
	s.mu.Unlock()
	return out
}
