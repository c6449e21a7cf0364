package graph

import (
	"context"
	"errors"
	"time"
)

// DefaultWindow is how far back a recording's creation time may be.
const DefaultWindow = 10 * time.Minute

var (
	// ErrRecordingNotFound means the drive no longer lists the item.
	ErrRecordingNotFound = errors.New("recording not found in drive")
	// ErrContentNotFound means the item exists but has no downloadable content.
	ErrContentNotFound = errors.New("recording content not found")
)

// ListRecordings returns the children of the drive root, first page only.
// A missing drive, root or child collection yields an empty slice.
func ListRecordings(ctx context.Context, api DriveAPI, driveID string) ([]Recording, error) {
	root, err := api.Root(ctx, driveID)
	if err != nil {
		return nil, err
	}
	if root == nil || root.GetId() == nil {
		return []Recording{}, nil
	}

	children, err := api.Children(ctx, driveID, *root.GetId())
	if err != nil {
		return nil, err
	}

	out := make([]Recording, 0, len(children))
	for _, child := range children {
		if child == nil {
			continue
		}
		out = append(out, FromDriveItem(child))
	}
	return out, nil
}

// IsRecent reports whether r was created strictly after now-window and
// carries audio metadata.
func IsRecent(r Recording, now time.Time, window time.Duration) bool {
	return r.HasAudio && r.CreatedAt.After(now.Add(-window))
}

// FilterRecent keeps the recordings that satisfy IsRecent, in input order.
// It never returns nil.
func FilterRecent(items []Recording, now time.Time, window time.Duration) []Recording {
	out := make([]Recording, 0, len(items))
	for _, r := range items {
		if IsRecent(r, now, window) {
			out = append(out, r)
		}
	}
	return out
}

// FetchContent re-lists the drive, finds rec by ID and downloads its bytes.
// It returns ErrRecordingNotFound or ErrContentNotFound when either is absent.
func FetchContent(ctx context.Context, api DriveAPI, driveID string, rec Recording) ([]byte, error) {
	items, err := api.Items(ctx, driveID)
	if err != nil {
		return nil, err
	}

	var found bool
	for _, item := range items {
		if item != nil && item.GetId() != nil && *item.GetId() == rec.ID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrRecordingNotFound
	}

	data, err := api.Content(ctx, driveID, rec.ID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrContentNotFound
	}
	return data, nil
}
