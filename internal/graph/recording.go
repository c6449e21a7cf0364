package graph

import (
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// Recording is one drive entry considered as a candidate meeting recording.
type Recording struct {
	ID        string
	Name      string
	CreatedAt time.Time
	HasAudio  bool
	Size      int64
	MimeType  string
}

// FromDriveItem copies the fields the relay needs out of a Graph drive item.
// Absent fields become zero values.
func FromDriveItem(item models.DriveItemable) Recording {
	if item == nil {
		return Recording{}
	}
	r := Recording{
		ID:       deref(item.GetId()),
		Name:     deref(item.GetName()),
		HasAudio: item.GetAudio() != nil,
	}
	if ts := item.GetCreatedDateTime(); ts != nil {
		r.CreatedAt = *ts
	}
	if size := item.GetSize(); size != nil {
		r.Size = *size
	}
	if file := item.GetFile(); file != nil {
		r.MimeType = deref(file.GetMimeType())
	}
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
