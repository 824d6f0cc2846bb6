// Package lightbulb is the reference device: a colour light with
// power_switch, hue, saturation and value properties and an identify
// action.
//
//	light, _ := lightbulb.New(lightbulb.Options{Driver: lightbulb.LogDriver{Logger: log}})
//	light.Register(registry)
//	go light.Run(ctx, hub.ReportAllProperties)
package lightbulb
