package domain

import "errors"

// Error taxonomy shared by the signaling gateway and the media router.
// Every failure crossing a component boundary wraps exactly one of these.
var (
	// ErrNotFound: room, channel, session or producer does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: caller does not own the referenced transport/producer,
	// or is not a member of the server owning the channel.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict: the user already holds an active session on another
	// connection.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable: the media-routing collaborator is unreachable or
	// failed internally.
	ErrUnavailable = errors.New("unavailable")
	// ErrIncompatible: declared receive capabilities cannot consume the
	// producer's encoding.
	ErrIncompatible = errors.New("incompatible capabilities")
)
