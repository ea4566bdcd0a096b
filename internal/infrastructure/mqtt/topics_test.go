package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceNotify", topics.DeviceNotify("DP0001"), "fleet/notify/DP0001"},
		{"DeviceCommand", topics.DeviceCommand("DP0001"), "fleet/command/DP0001"},
		{"TaskProgress", topics.TaskProgress("abc"), "fleet/task/abc/progress"},
		{"SystemStatus", topics.SystemStatus(), "fleet/system/status"},
		{"AllDeviceNotifications", topics.AllDeviceNotifications(), "fleet/notify/+"},
		{"AllTaskProgress", topics.AllTaskProgress(), "fleet/task/+/progress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSerialFromNotifyTopic(t *testing.T) {
	tests := []struct {
		topic  string
		serial string
		ok     bool
	}{
		{"fleet/notify/DP0001", "DP0001", true},
		{"fleet/notify/", "", false},
		{"fleet/notify/DP0001/extra", "", false},
		{"fleet/command/DP0001", "", false},
		{"other/notify/DP0001", "", false},
	}
	for _, tt := range tests {
		serial, ok := Topics{}.SerialFromNotifyTopic(tt.topic)
		if serial != tt.serial || ok != tt.ok {
			t.Errorf("SerialFromNotifyTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, serial, ok, tt.serial, tt.ok)
		}
	}
}
