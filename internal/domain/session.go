package domain

import "time"

// VoiceSession is the signaling-side record of "this user is currently in
// this voice channel". At most one exists per user; the storage layer
// enforces that with a uniqueness constraint, not an application check.
type VoiceSession struct {
	ID            string       `json:"id"`
	UserID        UserID       `json:"userId"`
	ChannelID     ChannelID    `json:"channelId"`
	ConnectionID  ConnectionID `json:"connectionId"`
	ParticipantID ConnectionID `json:"participantId"`
	ProducerID    string       `json:"producerId,omitempty"`
	Muted         bool         `json:"isMuted"`
	Deafened      bool         `json:"isDeafened"`
	JoinedAt      time.Time    `json:"joinedAt"`
}
