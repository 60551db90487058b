package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/sem"
)

func TestReproLive(t *testing.T) {
	for iter := 0; iter < 5; iter++ {
		cs := newChatServer(t, true)
		m := NewManager(Config{Dial: cs.dial()})

		sess, err := m.Open(context.Background(), "conv-1")
		require.NoError(t, err)
		require.NoError(t, sess.WaitUntilOpen(context.Background()))
		require.Eventually(t, func() bool { return !sess.LastHeartbeat().IsZero() }, eventually, tick)

		base := int64(1700000000000)
		cs.push(t, frame(t, sem.TypeLLMStart, "r1", base, map[string]any{"id": "r1", "agent": "planner"}))
		cs.push(t, frame(t, sem.TypeLLMDelta, "r1", base+100, map[string]any{"id": "r1", "delta": "On it."}))
		cs.push(t, frame(t, sem.TypeLLMFinal, "r1", base+200, map[string]any{"id": "r1", "text": ""}))

		time.Sleep(300 * time.Millisecond)
		turns := sess.Turns()
		for i, tn := range turns {
			t.Logf("iter=%d turn[%d] kind=%v text=%q chunks=%d", iter, i, tn.Kind, tn.Text(), len(tn.Messages))
		}
		_ = m.Close()
	}
}
