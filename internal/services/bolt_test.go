package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/jaychat/internal/models"
	"github.com/MegaGrindStone/jaychat/internal/services"
	"github.com/stretchr/testify/require"
)

func newBolt(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDBChats(t *testing.T) {
	db := newBolt(t)
	ctx := context.Background()

	first, err := db.AddChat(ctx, models.Chat{ID: "a"})
	require.NoError(t, err)
	second, err := db.AddChat(ctx, models.Chat{ID: "b", Title: "second"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.NoError(t, db.UpdateChat(ctx, models.Chat{ID: first, Title: "first"}))

	chats, err := db.Chats(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.Chat{
		{ID: second, Title: "second"},
		{ID: first, Title: "first"},
	}, chats)

	require.ErrorIs(t, db.UpdateChat(ctx, models.Chat{ID: "nope"}), services.ErrChatNotFound)
}

func TestBoltDBMessagesKeepInsertionOrder(t *testing.T) {
	db := newBolt(t)
	ctx := context.Background()

	chatID, err := db.AddChat(ctx, models.Chat{ID: "c"})
	require.NoError(t, err)

	var ids []string
	// More than ten messages so lexical and numeric ordering would differ without padding.
	for i := range 12 {
		role := models.RoleHuman
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		id, err := db.AddMessage(ctx, chatID, models.Message{
			ID:        "m",
			Role:      role,
			Text:      string(rune('a' + i)),
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := db.Messages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 12)
	for i, msg := range msgs {
		require.Equal(t, ids[i], msg.ID)
		require.Equal(t, string(rune('a'+i)), msg.Text)
	}
}

func TestBoltDBUpdateMessage(t *testing.T) {
	db := newBolt(t)
	ctx := context.Background()

	chatID, err := db.AddChat(ctx, models.Chat{ID: "c"})
	require.NoError(t, err)
	_, err = db.AddMessage(ctx, chatID, models.Message{
		ID:          "h",
		Role:        models.RoleHuman,
		Text:        "see attached",
		Attachments: []models.Attachment{{Name: "main.go", Path: "/tmp/main.go", Size: 42}},
	})
	require.NoError(t, err)
	aiID, err := db.AddMessage(ctx, chatID, models.Message{ID: "a", Role: models.RoleAssistant})
	require.NoError(t, err)

	require.NoError(t, db.UpdateMessage(ctx, chatID, models.Message{ID: aiID, Role: models.RoleAssistant, Text: "done"}))

	msgs, err := db.Messages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "main.go", msgs[0].Attachments[0].Name)
	require.Equal(t, "done", msgs[1].Text)

	err = db.UpdateMessage(ctx, chatID, models.Message{ID: "unknown"})
	require.ErrorIs(t, err, models.ErrMessageNotFound)
}

func TestBoltDBUnknownChat(t *testing.T) {
	db := newBolt(t)
	ctx := context.Background()

	_, err := db.Messages(ctx, "missing")
	require.ErrorIs(t, err, services.ErrChatNotFound)
	_, err = db.AddMessage(ctx, "missing", models.Message{ID: "x"})
	require.ErrorIs(t, err, services.ErrChatNotFound)
}
