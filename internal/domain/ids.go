// Package domain contains entities without logic, just meta-data.
package domain

type (
	UserID    string
	ChannelID string
	ServerID  string

	// ConnectionID identifies one signaling websocket connection. It doubles
	// as the participant handle on the media-routing side: every media
	// operation is authorized against it.
	ConnectionID string
)
