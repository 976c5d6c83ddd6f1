package security

import "strings"

// Device classes derived from a user agent. The label is informational and is
// never consulted for access decisions.
const (
	DeviceUnknown = "Unknown"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
	DeviceDesktop = "Desktop"
)

// DeviceClass labels a user agent string.
func DeviceClass(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	switch {
	case ua == "":
		return DeviceUnknown
	case strings.Contains(ua, "Mobile"):
		return DeviceMobile
	case strings.Contains(ua, "Tablet"), strings.Contains(ua, "iPad"):
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
