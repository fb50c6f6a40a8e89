// Package broker assembles a running broker from a config.Config.
//
// Every output that is not another output's failover becomes one
// processing.Failover chain fed by its own multiplexing subscriber; acceptor
// outputs become processing.Acceptor loops whose feeders write to peers.
// Inputs are acceptors for pollers that connect in, or single-endpoint input
// chains for sources the broker dials itself. Every chain and acceptor is
// watched by one health.Registry.
//
//	b, err := broker.New(broker.Options{
//		Config:          cfg,
//		MetricsRegistry: registry,
//		Logger:          logger,
//	})
//	if err != nil {
//		return err
//	}
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Stop(30 * time.Second)
package broker
