package natsstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/event"
	"github.com/c360/bbdobroker/event/neb"
	"github.com/c360/bbdobroker/event/storage"
	"github.com/c360/bbdobroker/natsclient"
)

func TestSubjectFor(t *testing.T) {
	host := event.New(&neb.HostStatus{HostID: 1})
	metric := event.New(&storage.Metric{MetricID: 3})

	tests := []struct {
		name    string
		subject string
		ev      *event.Event
		want    string
	}{
		{name: "plain", subject: "bbdo.events", ev: host, want: "bbdo.events"},
		{name: "neb category", subject: "bbdo.{category}", ev: host, want: "bbdo.neb"},
		{name: "storage category", subject: "bbdo.{category}.out", ev: metric, want: "bbdo.storage.out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectFor(tt.subject, tt.ev))
		})
	}
}

func TestSubscriptionSubject(t *testing.T) {
	assert.Equal(t, "bbdo.events", SubscriptionSubject("bbdo.events"))
	assert.Equal(t, "bbdo.*.out", SubscriptionSubject("bbdo.{category}.out"))
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{Name: "central-nats.out"}
	opts.applyDefaults()

	assert.Equal(t, DefaultSubject, opts.Subject)
	assert.Equal(t, "CENTRAL_NATS_OUT", opts.StreamName)
	assert.Equal(t, DefaultMaxPending, opts.MaxPending)
	assert.NotNil(t, opts.Registry)
	assert.NotNil(t, opts.Logger)
}

func TestOpenWithoutServer(t *testing.T) {
	c := NewConnector(Options{
		Name: "nats-out",
		URL:  "nats://127.0.0.1:1",
		ClientOptions: []natsclient.ClientOption{
			natsclient.WithTimeout(200 * time.Millisecond),
			natsclient.WithMaxReconnects(0),
		},
	})
	assert.Equal(t, "nats-out", c.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Open(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
