package registry

import (
	"testing"
	"time"

	"github.com/BRafols/tribal-wars/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(clk, nil), clk
}

func TestRegisterInfersRoleFromContext(t *testing.T) {
	reg, _ := newTestRegistry()

	cases := []struct {
		context string
		want    domain.Role
	}{
		{"scavenge", domain.RoleScavenge},
		{"am_farm", domain.RoleFarm},
		{"train", domain.RoleRecruit},
		{"main", domain.RoleBuild},
		{"overview_villages", domain.RoleOverview},
		{"settings", domain.RoleNone},
		{"", domain.RoleNone},
	}
	for _, tc := range cases {
		agent := reg.Register("tab-"+tc.context, domain.AgentInfo{Context: tc.context, Visible: true})
		if agent.Role != tc.want {
			t.Fatalf("context %q: role=%s want=%s", tc.context, agent.Role, tc.want)
		}
	}
}

func TestHeartbeatUnknownAgentRegisters(t *testing.T) {
	reg, _ := newTestRegistry()

	agent := reg.Heartbeat("tab-1", domain.AgentInfo{Context: "am_farm", WorldID: "en130", Visible: true})
	if agent.Role != domain.RoleFarm {
		t.Fatalf("role=%s want=%s", agent.Role, domain.RoleFarm)
	}
	if len(reg.Agents()) != 1 {
		t.Fatalf("expected agent to be created by heartbeat")
	}
}

func TestHeartbeatResetsLivenessAndPreservesRegistration(t *testing.T) {
	reg, clk := newTestRegistry()

	first := reg.Register("tab-1", domain.AgentInfo{Context: "main", Visible: true})
	clk.advance(5 * time.Minute)
	updated := reg.Heartbeat("tab-1", domain.AgentInfo{Context: "place", VillageID: "v9", Visible: true})

	if !updated.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("heartbeat must not change registration time")
	}
	if !updated.LastSeen.Equal(clk.now) {
		t.Fatalf("last seen=%v want=%v", updated.LastSeen, clk.now)
	}
	if updated.Role != domain.RoleFarm || updated.VillageID != "v9" {
		t.Fatalf("heartbeat must update role and location: %+v", updated)
	}
}

func TestFindAgentForRolePrefersMostRecentHeartbeat(t *testing.T) {
	reg, clk := newTestRegistry()

	reg.Register("old", domain.AgentInfo{Context: "am_farm", VillageID: "v1", Visible: true})
	clk.advance(time.Minute)
	reg.Register("fresh", domain.AgentInfo{Context: "am_farm", VillageID: "v1", Visible: true})

	agent, ok := reg.FindAgentForRole(domain.RoleFarm, "v1")
	if !ok {
		t.Fatalf("expected a farm agent")
	}
	if agent.ID != "fresh" {
		t.Fatalf("agent=%s want=fresh", agent.ID)
	}
}

func TestFindAgentForRoleFiltersVillageAndVisibility(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("hidden", domain.AgentInfo{Context: "am_farm", VillageID: "v1", Visible: false})
	reg.Register("other-village", domain.AgentInfo{Context: "am_farm", VillageID: "v2", Visible: true})

	if _, ok := reg.FindAgentForRole(domain.RoleFarm, "v1"); ok {
		t.Fatalf("invisible agent must not be selected")
	}
	agent, ok := reg.FindAgentForRole(domain.RoleFarm, "")
	if !ok || agent.ID != "other-village" {
		t.Fatalf("empty village must match any village, got ok=%t agent=%+v", ok, agent)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register("tab-1", domain.AgentInfo{Context: "main", Visible: true})
	reg.Unregister("tab-1")
	reg.Unregister("tab-1")
	reg.Unregister("never-existed")

	if len(reg.Agents()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestSweepStaleRemovesDeadAgents(t *testing.T) {
	reg, clk := newTestRegistry()

	reg.Register("dead", domain.AgentInfo{Context: "main", Visible: true})
	clk.advance(10 * time.Minute)
	reg.Register("alive", domain.AgentInfo{Context: "main", Visible: true})

	removed := reg.SweepStale(5 * time.Minute)
	if len(removed) != 1 || removed[0] != "dead" {
		t.Fatalf("removed=%v want=[dead]", removed)
	}
	if _, ok := reg.FindAgentForRole(domain.RoleBuild, ""); !ok {
		t.Fatalf("live agent must survive the sweep")
	}
}

func TestStateRoundTrip(t *testing.T) {
	reg, clk := newTestRegistry()

	reg.Register("tab-1", domain.AgentInfo{Context: "am_farm", WorldID: "en130", VillageID: "v1", Visible: true})
	clk.advance(time.Second)
	reg.Register("tab-2", domain.AgentInfo{Context: "scavenge", WorldID: "en130", Visible: true})

	data, err := reg.MarshalState()
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}

	restored := New(clk, nil)
	if err := restored.RestoreState(data); err != nil {
		t.Fatalf("restore state: %v", err)
	}
	agents := restored.Agents()
	if len(agents) != 2 {
		t.Fatalf("agents=%d want=2", len(agents))
	}
	agent, ok := restored.FindAgentForRole(domain.RoleFarm, "v1")
	if !ok || agent.ID != "tab-1" {
		t.Fatalf("restored registry lost agent data: ok=%t agent=%+v", ok, agent)
	}
}
