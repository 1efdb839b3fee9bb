// Package sink adapts relay subscribers to outbound channels: a websocket
// client or an MQTT broker.
package sink
