package mqtt

import "fmt"

// Topic prefixes of the IoT hub topic space.
const (
	// TopicPrefixThing is the base for data template topics.
	// Scheme: $thing/{up|down}/{facet}/{productID}/{deviceName}
	TopicPrefixThing = "$thing"

	// TopicPrefixOTA is the base for firmware update topics.
	TopicPrefixOTA = "$ota"

	// TopicPrefixLog is the base for remote log control topics.
	TopicPrefixLog = "$log"
)

// Facets of the $thing topic space.
const (
	FacetProperty = "property"
	FacetService  = "service"
	FacetEvent    = "event"
	FacetAction   = "action"
	FacetLog      = "log"
	FacetOTA      = "ota"
)

// Topics provides builders for IoT hub topics of one device.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{ProductID: "ABCDEFGHIJ", DeviceName: "light-01"}
//	topics.ThingDown(mqtt.FacetProperty)
//	// Returns: "$thing/down/property/ABCDEFGHIJ/light-01"
type Topics struct {
	ProductID  string
	DeviceName string
}

// =============================================================================
// Data Template Topics
// =============================================================================

// ThingUp returns the device-to-cloud topic for a facet.
//
// Example: $thing/up/property/ABCDEFGHIJ/light-01
func (t Topics) ThingUp(facet string) string {
	return fmt.Sprintf("%s/up/%s/%s/%s", TopicPrefixThing, facet, t.ProductID, t.DeviceName)
}

// ThingDown returns the cloud-to-device topic for a facet.
//
// Example: $thing/down/action/ABCDEFGHIJ/light-01
func (t Topics) ThingDown(facet string) string {
	return fmt.Sprintf("%s/down/%s/%s/%s", TopicPrefixThing, facet, t.ProductID, t.DeviceName)
}

// =============================================================================
// OTA Topics
// =============================================================================

// OTAUpdate returns the topic on which the cloud pushes firmware commands.
//
// Example: $ota/update/ABCDEFGHIJ/light-01
func (t Topics) OTAUpdate() string {
	return fmt.Sprintf("%s/update/%s/%s", TopicPrefixOTA, t.ProductID, t.DeviceName)
}

// OTAReport returns the topic for firmware version and progress reports.
//
// Example: $ota/report/ABCDEFGHIJ/light-01
func (t Topics) OTAReport() string {
	return fmt.Sprintf("%s/report/%s/%s", TopicPrefixOTA, t.ProductID, t.DeviceName)
}

// =============================================================================
// Log Topics
// =============================================================================

// LogOperation returns the topic for remote log level requests.
//
// Example: $log/operation/ABCDEFGHIJ/light-01
func (t Topics) LogOperation() string {
	return fmt.Sprintf("%s/operation/%s/%s", TopicPrefixLog, t.ProductID, t.DeviceName)
}

// LogOperationResult returns the topic carrying remote log level answers.
//
// Example: $log/operation/result/ABCDEFGHIJ/light-01
func (t Topics) LogOperationResult() string {
	return fmt.Sprintf("%s/operation/result/%s/%s", TopicPrefixLog, t.ProductID, t.DeviceName)
}
