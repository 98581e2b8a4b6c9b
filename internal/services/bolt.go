package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/jaychat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the chat store on top of a bbolt file. Chats live in a single bucket, and every
// chat owns a bucket of its messages keyed so that iteration yields insertion order.
type BoltDB struct {
	db *bolt.DB
}

var (
	chatsBucket = []byte("chats")

	// ErrChatNotFound is returned when a message operation targets an unknown chat.
	ErrChatNotFound = errors.New("chat not found")
)

// NewBoltDB opens (or creates, with 0600 permissions) the database at path and makes sure the
// chats bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte("chat-" + chatID)
}

// sequenceKey prefixes id with a zero padded sequence so that bbolt's byte ordering matches
// insertion order.
func sequenceKey(seq uint64, id string) string {
	return fmt.Sprintf("%020d-%s", seq, id)
}

// Chats returns every chat, most recent first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores chat under a new sequence-prefixed id, creates its message bucket and returns the
// new id.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		chat.ID = sequenceKey(seq, chat.ID)

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		return putJSON(bucket, chat.ID, chat)
	})
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}

// UpdateChat overwrites an existing chat. Unknown chats are reported with ErrChatNotFound.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucket)
		if bucket.Get([]byte(chat.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chat.ID)
		}
		return putJSON(bucket, chat.ID, chat)
	})
}

// Messages returns the messages of chatID in the order they were added.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends message to chatID under a new sequence-prefixed id and returns that id.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		message.ID = sequenceKey(seq, message.ID)

		return putJSON(bucket, message.ID, message)
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// UpdateMessage overwrites a message of chatID in place, keeping its position.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
		if bucket.Get([]byte(message.ID)) == nil {
			return fmt.Errorf("%w: %s", models.ErrMessageNotFound, message.ID)
		}
		return putJSON(bucket, message.ID, message)
	})
}

func putJSON(bucket *bolt.Bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return bucket.Put([]byte(key), b)
}
