// Package testutil provides helpers for broker tests: scripted streams,
// connectors and acceptors, numbered NEB events, and loopback TCP.
//
// MockStream records every write and acknowledges it at once unless told to
// hold acknowledgements. It can break after a fixed number of writes, which
// is how failover tests take a primary down in the middle of a flow:
//
//	primary := testutil.NewMockConnector("primary").WithStreams(func(n int) *testutil.MockStream {
//		if n == 0 {
//			return testutil.NewMockStream("primary").BreakAfter(5)
//		}
//		return testutil.NewMockStream("primary")
//	})
//
// Events built with HostEvent and LogEvent carry a sequence number that Seq
// reads back, so tests can assert ordering and duplicates.
package testutil
