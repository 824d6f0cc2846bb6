// Package device provides the Device Registry: the device profile, the
// declared properties and actions, and the bridge to the device
// application's property accessor.
//
// # Key Types
//
//   - Profile: Product id, device name, firmware version and credentials
//   - Value: A property value tagged with its type (bool, int, float, string)
//   - Params: An ordered list of named values, encoded as a JSON object
//   - Accessor: The application's GetProperty/SetProperty pair
//   - ActionFunc: A cloud-invokable action callback
//
// # Partial Failure
//
// ApplyIncoming and CollectAll walk their inputs in order and stop at the
// first accessor failure. Nothing is rolled back: properties applied or
// read before the failure are returned with the error, so the caller can
// report exactly what was achieved.
//
// # Usage
//
//	reg := device.NewRegistry(profile)
//	reg.RegisterProperty("power_switch", device.TypeBool, device.BoolValue(false))
//	reg.RegisterProperty("hue", device.TypeInt, device.IntValue(0))
//	reg.BindAccessor(light)
//
//	params, err := reg.CollectAll()
package device
