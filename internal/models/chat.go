package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual entry within a chat. An assistant message starts with an empty
// Text which grows as the response streams in.
type Message struct {
	ID          string
	Role        Role
	Text        string
	Attachments []Attachment `json:",omitempty"`
	Timestamp   time.Time
}

// Attachment is a reference to a file the user attached to a prompt. Only the reference is kept.
type Attachment struct {
	Name string
	Path string
	Size int64
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleHuman represents a message typed by the user.
	RoleHuman Role = "human"
	// RoleAssistant represents a message produced by the backend.
	RoleAssistant Role = "assistant"
)

const titleMaxRunes = 40

// TitleFromPrompt derives a chat title from the first prompt of the chat.
func TitleFromPrompt(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}
