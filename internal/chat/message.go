// Package chat implements per-agent conversations: the message log, the
// session store, and the controller that drives send, edit, and
// regenerate against a completion collaborator.
package chat

import (
	"encoding/json"
	"time"
)

// Role identifies a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn entry in a session's log.
type Message struct {
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an ordered message sequence with dense, zero-based indices.
// Indices stay dense across truncation; the zero value is an empty log.
// Log is not safe for concurrent use; the controller serializes access
// per session.
type Log struct {
	messages []Message
}

// NewLog creates a log from existing messages, reindexing them densely.
func NewLog(messages ...Message) *Log {
	l := &Log{messages: append([]Message(nil), messages...)}
	for i := range l.messages {
		l.messages[i].Index = i
	}
	return l
}

// Append adds the message at the next index. The message's Index field is
// assigned by the log; the stored message is returned.
func (l *Log) Append(msg Message) (Message, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return Message{}, ErrInvalidRole
	}
	msg.Index = len(l.messages)
	l.messages = append(l.messages, msg)
	return msg, nil
}

// TruncateAfter drops every message with index > index. An index of -1
// clears the log.
func (l *Log) TruncateAfter(index int) error {
	if index >= len(l.messages) || index < -1 {
		return ErrIndexOutOfRange
	}
	l.messages = l.messages[:index+1]
	return nil
}

// ReplaceContent replaces the content of the user message at index,
// stamping it with the given time.
func (l *Log) ReplaceContent(index int, content string, at time.Time) error {
	if index < 0 || index >= len(l.messages) {
		return ErrIndexOutOfRange
	}
	if l.messages[index].Role != RoleUser {
		return ErrRoleMismatch
	}
	l.messages[index].Content = content
	l.messages[index].Timestamp = at
	return nil
}

// Message returns the message at index.
func (l *Log) Message(index int) (Message, error) {
	if index < 0 || index >= len(l.messages) {
		return Message{}, ErrIndexOutOfRange
	}
	return l.messages[index], nil
}

// All returns a copy of the ordered message sequence.
func (l *Log) All() []Message {
	return append([]Message(nil), l.messages...)
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Last returns the final message, if any.
func (l *Log) Last() (Message, bool) {
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// LastUserIndex returns the index of the last user message, or -1.
func (l *Log) LastUserIndex() int {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// MarshalJSON encodes the log as a plain message array.
func (l *Log) MarshalJSON() ([]byte, error) {
	if l.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.messages)
}

// UnmarshalJSON decodes a message array, reindexing densely so externally
// edited documents cannot introduce gaps.
func (l *Log) UnmarshalJSON(data []byte) error {
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return err
	}
	for i := range messages {
		messages[i].Index = i
	}
	l.messages = messages
	return nil
}
