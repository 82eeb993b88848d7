package domain

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Notification is the webhook payload sent to the collector, one per
// ChangeRecord.
type Notification struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Kind       Kind      `json:"kind"`
	OldPath    string    `json:"oldPath,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
	Sequence   int64     `json:"sequence"`
	// URL is a public link to the changed path, present when the agent is
	// configured with a link base.
	URL string `json:"url,omitempty"`
}

// NewNotification builds the payload for a record. When linkBase is non-empty
// the record path is rewritten against it: the watch root prefix is replaced
// by linkBase and spaces are percent-encoded so the link is clickable in
// chat clients.
func NewNotification(rec ChangeRecord, watchRoot, linkBase string) Notification {
	n := Notification{
		ID:         rec.ID,
		Path:       rec.Path,
		Kind:       rec.Kind,
		OldPath:    rec.OldPath,
		ObservedAt: rec.ObservedAt,
		Sequence:   rec.Sequence,
	}
	if linkBase != "" {
		n.URL = publicLink(rec.Path, watchRoot, linkBase)
	}
	return n
}

// Encode serializes the notification for the wire.
func (n Notification) Encode() ([]byte, error) {
	return sonic.Marshal(n)
}

func publicLink(path, watchRoot, linkBase string) string {
	rel := strings.TrimPrefix(path, strings.TrimSuffix(watchRoot, "/"))
	url := strings.TrimSuffix(linkBase, "/") + rel
	return strings.ReplaceAll(url, " ", "%20")
}
