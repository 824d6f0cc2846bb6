// Package iothub implements the device side of the Tencent IoT hub
// protocol on top of an MQTT transport.
//
// A Hub owns one device session:
//   - property sync: control/control_reply, report, report_info and the
//     get_status round trip on $thing/{up,down}/property
//   - binding: app_bind_token with optional retry and a blocking wait,
//     bind_device and unbind_device on $thing/{up,down}/service
//   - actions dispatched to the device registry on $thing/{up,down}/action
//   - events posted on $thing/up/event
//   - the remote log level on $log/operation
//
// Every message is a JSON Envelope carrying a method name and a client
// token; Encode and Decode convert envelopes, and ParseParams turns a
// params object into an ordered device.Params.
//
// Usage:
//
//	hub, err := iothub.NewHub(iothub.HubOptions{
//	    Transport: mqttClient,
//	    Registry:  registry,
//	    Config:    cfg.Hub,
//	    Device:    cfg.Device,
//	    QoS:       1,
//	    Store:     store,
//	    Notifier:  bus,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := hub.Start(ctx); err != nil {
//	    return err
//	}
//	defer hub.Stop()
package iothub
