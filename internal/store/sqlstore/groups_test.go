package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

func TestCreateGroupMembers(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	g := &store.Group{ID: "g1", Name: "Friends", OwnerID: "alice"}
	require.NoError(t, s.CreateGroup(ctx, g, []string{"bob", "alice", "", "carol", "bob"}))
	assert.False(t, g.CreatedAt.IsZero())

	members, err := s.ListMembers(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, members)

	ok, err := s.IsMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RemoveMember(ctx, "g1", "bob"))
	ok, err = s.IsMember(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	// Adding twice is an array-union.
	require.NoError(t, s.AddMember(ctx, "g1", "dave"))
	require.NoError(t, s.AddMember(ctx, "g1", "dave"))
	members, _ = s.ListMembers(ctx, "g1")
	assert.Len(t, members, 3)

	groups, err := s.ListUserGroups(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Friends", groups[0].Name)
}

func TestChannels(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateGroup(ctx, &store.Group{ID: "g1", Name: "Friends", OwnerID: "alice"}, nil))

	require.NoError(t, s.CreateChannel(ctx, &store.Channel{ID: "c1", GroupID: "g1", Name: "general"}))
	require.NoError(t, s.CreateChannel(ctx, &store.Channel{ID: "c2", GroupID: "g1", Name: "random"}))

	c, err := s.GetChannel(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "g1", c.GroupID)

	_, err = s.GetChannel(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	channels, err := s.ListChannels(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	_, err = s.GetGroup(ctx, "g2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRecentMessagesNewestPageAscending(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	for i := 0; i < store.HistoryLimit+5; i++ {
		m := &store.Message{
			ID:               fmt.Sprintf("m%02d", i),
			ChannelID:        "alice_bob",
			AuthorID:         "alice",
			AuthorInfo:       protocol.AuthorInfo{DisplayName: "Alice"},
			EncryptedPayload: map[string]string{"alice": "c-a", "bob": "c-b"},
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveMessage(ctx, m))
	}
	require.NoError(t, s.SaveMessage(ctx, &store.Message{
		ID: "other", ChannelID: "bob_carol", AuthorID: "bob",
		EncryptedPayload: map[string]string{"bob": "x"}, CreatedAt: base,
	}))

	msgs, err := s.RecentMessages(ctx, "alice_bob", store.Cursor{})
	require.NoError(t, err)
	require.Len(t, msgs, store.HistoryLimit)
	assert.Equal(t, "m05", msgs[0].ID)
	assert.Equal(t, "m54", msgs[len(msgs)-1].ID)
	assert.Equal(t, map[string]string{"alice": "c-a", "bob": "c-b"}, msgs[0].EncryptedPayload)
	assert.Equal(t, "Alice", msgs[0].AuthorInfo.DisplayName)

	older, err := s.RecentMessages(ctx, "alice_bob", store.Cursor{Before: msgs[0].CreatedAt})
	require.NoError(t, err)
	require.Len(t, older, 5)
	assert.Equal(t, "m00", older[0].ID)
	assert.Equal(t, "m04", older[4].ID)
}

func TestRecentMessagesCursorKeepsSameTimestampMessages(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	total := store.HistoryLimit + 5
	for i := 0; i < total; i++ {
		require.NoError(t, s.SaveMessage(ctx, &store.Message{
			ID: fmt.Sprintf("m%02d", i), ChannelID: "alice_bob", AuthorID: "alice",
			EncryptedPayload: map[string]string{"bob": "c"}, CreatedAt: at,
		}))
	}
	require.NoError(t, s.SaveMessage(ctx, &store.Message{
		ID: "elsewhere", ChannelID: "bob_carol", AuthorID: "bob",
		EncryptedPayload: map[string]string{"bob": "x"}, CreatedAt: at,
	}))

	newest, err := s.RecentMessages(ctx, "alice_bob", store.Cursor{})
	require.NoError(t, err)
	require.Len(t, newest, store.HistoryLimit)
	assert.Equal(t, "m05", newest[0].ID)

	older, err := s.RecentMessages(ctx, "alice_bob", store.Cursor{BeforeID: newest[0].ID})
	require.NoError(t, err)
	ids := make([]string, 0, len(older))
	for _, m := range older {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m00", "m01", "m02", "m03", "m04"}, ids)

	// The id takes precedence over a timestamp that would skip everything.
	older, err = s.RecentMessages(ctx, "alice_bob", store.Cursor{Before: at, BeforeID: "m03"})
	require.NoError(t, err)
	assert.Len(t, older, 3)

	_, err = s.RecentMessages(ctx, "alice_bob", store.Cursor{BeforeID: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.RecentMessages(ctx, "alice_bob", store.Cursor{BeforeID: "elsewhere"})
	assert.True(t, errors.Is(err, store.ErrNotFound), "cursor from another channel")
}
