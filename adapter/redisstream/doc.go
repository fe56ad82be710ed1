// Package redisstream provides a Redis Streams connection manager for xrelay.
//
// Connector name: "redis-streams"
//
// Every node reads its own inbox stream (prefix:node) and appends global
// messages to the inbox streams of its peers. A peer is reported broken while
// its circuit breaker is open, that is after failure_threshold consecutive
// failed appends, until reset_timeout has passed.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - node: this node's name (default hostname-pid)
//   - peers: []string of peer node names
//   - prefix: inbox stream prefix (default "xrelay")
//   - batch_size: XREAD COUNT (default 128)
//   - block: XREAD BLOCK duration (default 1s)
//   - send_buffer: queued outbound messages (default 1024)
//   - send_timeout: per XADD timeout (default 2s)
//   - max_len_approx: XADD MAXLEN ~ trimming (default off)
//   - codec: payload codec name (default "json")
//   - failure_threshold: consecutive failures that break a peer (default 5)
//   - reset_timeout: breaker open duration (default 10s)
//
// Example builder usage:
//
//	bus, _ := xrelay.NewBusBuilder().
//	    WithConnector(redisstream.ConnectorName, map[string]any{
//	        "addr":  "localhost:6379",
//	        "node":  "billing-1",
//	        "peers": []string{"billing-2", "billing-3"},
//	        "block": "2s",
//	    }).
//	    Build()
package redisstream
