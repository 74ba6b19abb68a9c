// Package mqtt wraps paho.mqtt.golang for the MQTT connection type.
//
// This package manages:
//   - Connection to one broker per connectivity connection
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support and manual acknowledgement
//   - Optional Last Will and Testament
//   - Subscription restoration after automatic reconnects
//
// # Manual Acknowledgement
//
// With Options.ManualAck set, paho's automatic PUBACK is disabled and
// each Message must be acknowledged with Message.Ack once the pipeline
// has finished with it. QoS 0 messages need no acknowledgement.
//
// # Topic Matching
//
// MatchTopic implements MQTT 3.1.1 filter matching ("+" single level,
// "#" multi level) so that inbound messages can be attributed to the
// subscription that produced them.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, mqtt.Options{BrokerURL: "tcp://localhost:1883", ClientID: "c1"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("devices/+/telemetry", 1, func(msg mqtt.Message) error {
//	    defer msg.Ack()
//	    return handle(msg.Topic, msg.Payload)
//	})
package mqtt
