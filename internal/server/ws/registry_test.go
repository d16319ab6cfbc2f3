package ws

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JasonDZS/myagent-sub001/internal/server/outbound"
	"github.com/JasonDZS/myagent-sub001/internal/server/session"
	"github.com/JasonDZS/myagent-sub001/internal/shared/logging"
)

type nullSink struct{}

func (nullSink) WriteMessage(int, []byte) error   { return nil }
func (nullSink) SetWriteDeadline(time.Time) error { return nil }

func newRegistrySession(id string) *session.Session {
	out := outbound.New(nullSink{}, outbound.Config{CoalesceWindow: -1},
		outbound.WithLogger(logging.Nop()))
	return session.New(id, "conn-"+id, out, session.WithLogger(logging.Nop()))
}

func TestRegistryLiveLookup(t *testing.T) {
	r, err := newRegistry(4)
	require.NoError(t, err)

	s := newRegistrySession("session-a")
	r.add(s)

	got, ok := r.get("session-a")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.get("session-b")
	assert.False(t, ok)
}

func TestRegistryRetireMovesToHistory(t *testing.T) {
	r, err := newRegistry(4)
	require.NoError(t, err)

	s := newRegistrySession("session-a")
	r.add(s)
	r.retire(s)

	_, live := r.get("session-a")
	assert.False(t, live)

	summary, ok := r.summary("session-a")
	require.True(t, ok)
	assert.Equal(t, "session-a", summary.SessionID)
	assert.Equal(t, string(session.StateClosed), summary.State)
	assert.False(t, summary.ClosedAt.IsZero())
}

func TestRegistryRetireReportsLiveExactlyOnce(t *testing.T) {
	r, err := newRegistry(4)
	require.NoError(t, err)

	s := newRegistrySession("session-a")
	r.add(s)

	// The first retirement wins; repeats must not report live again, so the
	// active-session gauge is decremented at most once per session.
	assert.True(t, r.retire(s))
	assert.False(t, r.retire(s))

	assert.False(t, r.retire(newRegistrySession("session-b")))
}

func TestRegistryHistoryIsBounded(t *testing.T) {
	r, err := newRegistry(2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s := newRegistrySession(fmt.Sprintf("session-%d", i))
		r.add(s)
		r.retire(s)
	}

	// Only the two most recently closed survive.
	_, ok := r.summary("session-0")
	assert.False(t, ok)
	_, ok = r.summary("session-3")
	assert.True(t, ok)
	assert.Len(t, r.summaries(), 2)
}
