package achievement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/notify"
)

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]*domain.AgentProfile
}

func newFakeAgents(agents ...*domain.AgentProfile) *fakeAgents {
	f := &fakeAgents{agents: make(map[string]*domain.AgentProfile)}
	for _, a := range agents {
		f.agents[a.AgentID] = a
	}
	return f
}

func (f *fakeAgents) GetAgent(_ context.Context, agentID string) (*domain.AgentProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

type grantKey struct{ user, agent, achievement string }

type fakeGrants struct {
	mu      sync.Mutex
	records map[grantKey]domain.UserAchievementRecord
	failFor string
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{records: make(map[grantKey]domain.UserAchievementRecord)}
}

func (f *fakeGrants) GrantedAchievementIDs(_ context.Context, userID, agentID string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for k := range f.records {
		if k.user == userID && k.agent == agentID {
			out[k.achievement] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeGrants) GrantAchievement(_ context.Context, rec *domain.UserAchievementRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.AchievementID == f.failFor {
		return false, fmt.Errorf("disk full")
	}
	k := grantKey{rec.UserID, rec.AgentID, rec.AchievementID}
	if _, ok := f.records[k]; ok {
		return false, nil
	}
	f.records[k] = *rec
	return true, nil
}

func (f *fakeGrants) ListUserAchievements(_ context.Context, userID, agentID string) ([]domain.UserAchievementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UserAchievementRecord
	for k, rec := range f.records {
		if k.user == userID && (agentID == "" || k.agent == agentID) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}
