package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Fleet Core MQTT hierarchy.
//
//	fleet/notify/{serial}      device → core   sequence-numbered notifications
//	fleet/command/{serial}     core → device   operation commands
//	fleet/task/{id}/progress   core → clients  retained task progress
//	fleet/system/status        core            online/offline (LWT)
const (
	// TopicPrefix is the root of every Fleet Core topic.
	TopicPrefix = "fleet"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for Fleet Core MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topic := mqtt.Topics{}.DeviceCommand("DP0001")
//	// Returns: "fleet/command/DP0001"
type Topics struct{}

// DeviceNotify returns the topic a device publishes notifications on.
//
// Example: fleet/notify/DP0001
func (Topics) DeviceNotify(serial string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefix, serial)
}

// DeviceCommand returns the topic a device receives commands on.
//
// Example: fleet/command/DP0001
func (Topics) DeviceCommand(serial string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, serial)
}

// TaskProgress returns the retained progress topic of a task.
//
// Example: fleet/task/5f0c.../progress
func (Topics) TaskProgress(taskID string) string {
	return fmt.Sprintf("%s/task/%s/progress", TopicPrefix, taskID)
}

// SystemStatus returns the system status topic.
//
// Example: fleet/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceNotifications returns a pattern matching every device's
// notification topic.
//
// Pattern: fleet/notify/+
func (Topics) AllDeviceNotifications() string {
	return fmt.Sprintf("%s/notify/+", TopicPrefix)
}

// AllTaskProgress returns a pattern matching every task progress topic.
//
// Pattern: fleet/task/+/progress
func (Topics) AllTaskProgress() string {
	return fmt.Sprintf("%s/task/+/progress", TopicPrefix)
}

// SerialFromNotifyTopic extracts the serial from a fleet/notify/{serial}
// topic.
func (Topics) SerialFromNotifyTopic(topic string) (string, bool) {
	serial, ok := strings.CutPrefix(topic, TopicPrefix+"/notify/")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}
