package testutil

import (
	"context"
	"sync"

	"github.com/formsally/allybridge/agent"
)

// ScriptedModel replays canned replies in order. A nil entry in Errs means
// the corresponding reply is returned; calls past the script panic, which
// surfaces as the agent's fallback reply.
type ScriptedModel struct {
	Replies []*agent.ModelReply
	Errs    []error

	mu        sync.Mutex
	calls     int
	withTools []bool
}

var _ agent.Model = (*ScriptedModel)(nil)

func (m *ScriptedModel) Generate(_ context.Context, _ []agent.Turn, withTools bool) (*agent.ModelReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.withTools = append(m.withTools, withTools)
	if i < len(m.Errs) && m.Errs[i] != nil {
		return nil, m.Errs[i]
	}
	return m.Replies[i], nil
}

func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// WithTools reports, per call, whether tools were offered.
func (m *ScriptedModel) WithTools() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.withTools))
	copy(out, m.withTools)
	return out
}
