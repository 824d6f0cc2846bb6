// Package mqtt provides MQTT connectivity to the Tencent IoT hub.
//
// This package manages:
//   - Hub authentication (signed username/password or client certificate)
//   - Connection to the per-product hub endpoint with auto-reconnect
//   - Message publishing with QoS 0/1
//   - Topic subscriptions restored on reconnect
//   - Builders for the $thing, $ota and $log topic spaces
//
// # Security Considerations
//
//   - TLS is on by default (port 8883); plain TCP (1883) is for local brokers
//   - The device secret never leaves the process; only its HMAC is sent
//
// # Usage
//
//	creds, err := mqtt.KeyCredentials(pid, dn, secret)
//	if err != nil {
//	    return err
//	}
//	client, err := mqtt.Connect(cfg.MQTT, creds)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{ProductID: pid, DeviceName: dn}
//	err = client.Subscribe(topics.ThingDown(mqtt.FacetProperty), 1,
//	    func(topic string, payload []byte) error {
//	        return hub.HandleProperty(payload)
//	    })
package mqtt
