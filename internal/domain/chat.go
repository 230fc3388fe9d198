package domain

import "time"

type ChatMessage struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	Sender       string    `json:"sender"`
	SenderRole   Role      `json:"senderRole"`
	ConnectionID string    `json:"socketId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Transcript is one recognised utterance posted by a speech-to-text client.
type Transcript struct {
	Sender    Role      `json:"sender"`
	Text      string    `json:"transcript"`
	Timestamp time.Time `json:"timestamp"`
}
