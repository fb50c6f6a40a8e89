// Package processing moves events between the multiplexing engine and the
// endpoints of the broker.
//
// # Failover
//
// A Failover drives an ordered chain of connectors: a primary and zero or
// more secondaries. An output chain takes events from its subscriber,
// retains each one until the peer acknowledges it and replays everything
// unacknowledged whenever a new stream goes live. An input chain, one built
// without a subscriber, reads events from the live stream and publishes them
// to the engine.
//
// The chain moves through these states:
//
//	starting -> streaming            primary opened
//	streaming -> retrying            stream broken or open failed
//	retrying -> streaming            primary reopened
//	retrying -> failed_over          primary down for the buffering timeout
//	failed_over -> streaming         background probe reopened the primary
//	any -> exiting                   Exit, or the subscriber was closed
//
// While failed over a probe goroutine reopens the primary every retry
// interval. The worker picks the probed stream up at its next event
// boundary, stops the secondary and replays retention on the primary.
//
// # Feeders and acceptors
//
// A Feeder serves a single peer that connected to the broker. It reads the
// peer into the engine and, when built with Output, writes its subscriber's
// events back. Events a feeder publishes never come back to the same peer.
// A broken stream ends the feeder; the peer is expected to reconnect.
//
// An Acceptor runs one Feeder per inbound connection and joins all of them
// on Exit.
//
//	a, err := processing.NewAcceptor(processing.AcceptorOptions{
//		Acceptor: tcp.NewAcceptor(":5669", opts),
//		Feeder:   processing.FeederOptions{Engine: engine, Output: true},
//	})
//	if err != nil {
//		return err
//	}
//	if err := a.Start(ctx); err != nil {
//		return err
//	}
//	defer a.Exit(5 * time.Second)
package processing
