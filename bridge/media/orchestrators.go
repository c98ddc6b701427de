package media

import "context"

// The orchestrators live outside the remote-access plane. The front
// door receives them as small capability interfaces at construction;
// a nil capability maps to 503 upstream-unavailable.

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Track, error)
}

type MetadataProvider interface {
	Track(ctx context.Context, id string) (*Track, error)
	Album(ctx context.Context, id string) (*Album, error)
	Artist(ctx context.Context, id string) (*Artist, error)
}

type Playback interface {
	// Dispatch executes a remote playback command (play, pause, next,
	// seek, volume, ...).
	Dispatch(ctx context.Context, cmd Command) error
	State(ctx context.Context) (*PlaybackState, error)
}

type LibraryBridge interface {
	Playlists(ctx context.Context) ([]Album, error)
	RecentTracks(ctx context.Context, limit int) ([]Track, error)
}
