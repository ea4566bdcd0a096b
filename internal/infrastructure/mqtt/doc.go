// Package mqtt provides MQTT client connectivity for Fleet Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// Appliances publish sequence-numbered notifications and receive commands
// over the broker; Core also publishes retained task progress for
// dashboards:
//
//	Appliances ↔ MQTT Broker ↔ Fleet Core
//
// # Security Considerations
//
//   - TLS should be enabled outside the lab (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//   - Serials become topic levels; the fleet package rejects wildcards
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, log)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceNotifications(), 1, handler)
//
//	err = client.PublishJSON(ctx, mqtt.Topics{}.DeviceCommand("DP0001"), cmd, false)
package mqtt
