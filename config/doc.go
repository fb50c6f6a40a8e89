// Package config loads and validates the broker configuration.
//
// A configuration names the broker, sets the multiplexer queue defaults and
// lists the input and output endpoints. Files are JSON or YAML, chosen by
// extension, and may be layered: later layers override earlier ones key by
// key, lists are replaced whole.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/bbdobroker/base.yaml")
//	loader.AddLayer("/etc/bbdobroker/site.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Failover chains
//
// An output may name another output as its failover. The named output then
// only runs as the secondary of that chain:
//
//	outputs:
//	  - name: central
//	    type: tcp
//	    address: central.example.net:5669
//	    failover: spool
//	    buffering_timeout: 30s
//	  - name: spool
//	    type: file
//	    path: /var/lib/bbdobroker/spool.bbdo
//
// Validate rejects unknown types, missing addresses, failovers naming an
// unknown output and chains that loop back on themselves.
//
// # Environment
//
// BBDO_BROKER_NAME, BBDO_BROKER_INSTANCE_ID, BBDO_BROKER_SOURCE_ID,
// BBDO_MULTIPLEXER_QUEUE_SIZE and BBDO_MULTIPLEXER_OVERFLOW_POLICY override
// the loaded files.
package config
