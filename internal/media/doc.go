// Package media defines the frame and track types shared by the capture,
// negotiation and playback sides of a call.
//
// Frames are immutable once constructed. Ownership moves from the producer to
// whichever component it is handed to; nobody writes to Frame.Data afterwards.
package media
