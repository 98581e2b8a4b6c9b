package models

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrMessageNotFound is returned when an operation targets an id that is not in the conversation.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when appending a message whose id is already present.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// Conversation is the ordered message log of one chat. Messages are only ever appended, and the
// text of an existing message is patched by id. A Conversation is safe for concurrent use.
type Conversation struct {
	mu       sync.RWMutex
	chatID   string
	messages []Message
	index    map[string]int
}

// NewConversation returns a conversation for chatID seeded with messages, in order.
func NewConversation(chatID string, messages []Message) (*Conversation, error) {
	c := &Conversation{
		chatID: chatID,
		index:  make(map[string]int, len(messages)),
	}
	for _, msg := range messages {
		if err := c.Append(msg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ChatID returns the id of the chat this conversation belongs to.
func (c *Conversation) ChatID() string {
	return c.chatID
}

// Append adds msg at the end of the conversation.
func (c *Conversation) Append(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[msg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	c.index[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	return nil
}

// AppendText appends text to the message with the given id.
func (c *Conversation) AppendText(id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	c.messages[i].Text += text
	return nil
}

// SetText replaces the text of the message with the given id.
func (c *Conversation) SetText(id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	c.messages[i].Text = text
	return nil
}

// Message returns a copy of the message with the given id.
func (c *Conversation) Message(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return Message{}, false
	}
	return c.messages[i], true
}

// Messages returns a copy of all messages in insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.messages)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.messages)
}
