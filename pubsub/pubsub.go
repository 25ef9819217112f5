// Package pubsub defines the publish/subscribe collaborators the recorder
// consumes and the playback controller feeds, plus an in-process Bus.
package pubsub

import (
	"context"
	"time"

	"github.com/INLOpen/nexusarchive/core"
)

// Update is one value published on a path.
type Update struct {
	Path      string
	Timestamp int64 // UnixNano
	Value     core.Value
}

func (u Update) Time() time.Time { return time.Unix(0, u.Timestamp) }

// Subscriber delivers, in publish order, every update whose path matches
// pattern. The channel is closed when ctx ends or the source shuts down.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan Update, error)
}

// Publisher publishes a value on a path.
type Publisher interface {
	Publish(ctx context.Context, path string, v core.Value) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, path string, v core.Value) error

func (f PublisherFunc) Publish(ctx context.Context, path string, v core.Value) error {
	return f(ctx, path, v)
}
