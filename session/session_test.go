package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/model"
)

func TestInMemoryStore_LazyCreate(t *testing.T) {
	store := NewInMemoryStore()

	sess, err := store.Get("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", sess.ID)
	assert.Empty(t, sess.Messages)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestInMemoryStore_AppendAndGet(t *testing.T) {
	store := NewInMemoryStore()

	require.NoError(t, store.Append("conv-1",
		model.NewUserMessage("hello"),
		model.NewAssistantMessage("hi there"),
	))

	sess, err := store.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, model.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "hi there", sess.Messages[1].Text)
}

func TestInMemoryStore_ClonesAreIsolated(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Append("conv-1", model.NewUserMessage("original")))

	sess, err := store.Get("conv-1")
	require.NoError(t, err)
	sess.Messages[0].Text = "mutated"
	sess.Messages = append(sess.Messages, model.NewUserMessage("extra"))

	fresh, err := store.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, fresh.Messages, 1)
	assert.Equal(t, "original", fresh.Messages[0].Text)
}

func TestInMemoryStore_Replace(t *testing.T) {
	store := NewInMemoryStore()

	sess := NewSession("conv-1")
	sess.Messages = []model.Message{model.NewUserMessage("v1")}
	require.NoError(t, store.Replace(sess))

	sess.Messages = append(sess.Messages, model.NewAssistantMessage("v2"))
	require.NoError(t, store.Replace(sess))

	got, err := store.Get("conv-1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
}

func TestInMemoryStore_Delete(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Append("conv-1", model.NewUserMessage("hello")))

	store.Delete("conv-1")

	sess, err := store.Get("conv-1")
	require.NoError(t, err)
	assert.Empty(t, sess.Messages, "deleted session recreates empty")
}

func TestInMemoryStore_GeneratedID(t *testing.T) {
	sess := NewSession("")
	assert.NotEmpty(t, sess.ID)
}

func TestInMemoryStore_LockTurnSerializesOneConversation(t *testing.T) {
	store := NewInMemoryStore()

	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.LockTurn("conv-1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "turns against one conversation overlapped")
}

func TestInMemoryStore_LockTurnIndependentConversations(t *testing.T) {
	store := NewInMemoryStore()

	unlockA := store.LockTurn("conv-a")
	defer unlockA()

	// A held lock on another conversation must not block this one.
	done := make(chan struct{})
	go func() {
		unlockB := store.LockTurn("conv-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent conversations blocked each other")
	}
}
