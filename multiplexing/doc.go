// Package multiplexing implements the event bus between inputs and outputs.
//
// An Engine is constructed explicitly and handed to whoever needs it; there is
// no process-wide instance. Inputs call Publish, outputs drain a Subscriber:
//
//	engine := multiplexing.NewEngine(multiplexing.WithLogger(logger))
//	sub, err := engine.Subscribe(multiplexing.SubscriberOptions{
//	    Name:       "central-rrd",
//	    Categories: []event.Category{event.CategoryStorage},
//	})
//	...
//	ev, err := sub.Get(ctx, time.Now().Add(200*time.Millisecond))
//
// Every subscriber has its own bounded queue and overflow policy. A full queue
// only affects its own subscriber: under drop_oldest the oldest event is
// discarded, under block the publisher waits up to the block timeout and then
// discards the oldest event. Drops are counted, exported and logged at a
// limited rate.
//
// Events are shared by pointer between subscribers and must not be modified
// once published.
package multiplexing
