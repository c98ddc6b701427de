// Package media defines the data shapes exchanged with the music
// orchestrators and the capability interfaces the front door consumes.
package media

import "encoding/json"

// Artwork is a sum type: either a single URL or a sized set.
type Artwork struct {
	// Single is set when the source provides one URL.
	Single string `json:"single,omitempty"`

	// Sized variants; any subset may be present.
	Small    string `json:"small,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Large    string `json:"large,omitempty"`
	Original string `json:"original,omitempty"`
}

// IsSet reports whether the artwork carries the sized-set variant.
func (a Artwork) IsSet() bool {
	return a.Small != "" || a.Medium != "" || a.Large != "" || a.Original != ""
}

// Best returns the preferred URL for mobile display: medium, then
// large, small, original, and finally the single URL.
func (a Artwork) Best() string {
	switch {
	case a.Medium != "":
		return a.Medium
	case a.Large != "":
		return a.Large
	case a.Small != "":
		return a.Small
	case a.Original != "":
		return a.Original
	default:
		return a.Single
	}
}

type Artist struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Artwork Artwork `json:"artwork,omitempty"`
}

type Album struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Artist  string  `json:"artist,omitempty"`
	Artwork Artwork `json:"artwork,omitempty"`
}

type Track struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist,omitempty"`
	Album    string  `json:"album,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds
	Artwork  Artwork `json:"artwork,omitempty"`
	Source   string  `json:"source,omitempty"`
}

// MobileTrack is the flat projection the mobile client renders.
type MobileTrack struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Album      string  `json:"album,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	ArtworkURL string  `json:"artworkUrl,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// NormalizeForMobile flattens a track's artwork and artist into the
// shape the mobile UI consumes.
func NormalizeForMobile(t Track) MobileTrack {
	return MobileTrack{
		ID:         t.ID,
		Title:      t.Title,
		Artist:     t.Artist,
		Album:      t.Album,
		Duration:   t.Duration,
		ArtworkURL: t.Artwork.Best(),
		Source:     t.Source,
	}
}

// PlaybackState mirrors the desktop player for session-update and
// desktop-state frames.
type PlaybackState struct {
	Playing  bool         `json:"playing"`
	Position float64      `json:"position"`
	Volume   float64      `json:"volume"`
	Track    *MobileTrack `json:"track,omitempty"`
	Queue    int          `json:"queueLength,omitempty"`
}

// Command is a playback command tunneled from a remote peer.
type Command struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}
