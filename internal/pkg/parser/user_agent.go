package parser

import "strings"

func ParseUserAgent(ua string) (os, browser string) {
	uaLower := strings.ToLower(ua)

	// OS detection
	if strings.Contains(uaLower, "windows") {
		os = "Windows"
	} else if strings.Contains(uaLower, "mac os") {
		os = "macOS"
	} else if strings.Contains(uaLower, "android") {
		os = "Android"
	} else if strings.Contains(uaLower, "iphone") || strings.Contains(uaLower, "ipad") {
		os = "iOS"
	} else if strings.Contains(uaLower, "linux") {
		os = "Linux"
	} else {
		os = "Unknown"
	}

	// Browser detection
	if strings.Contains(uaLower, "edge") || strings.Contains(uaLower, "edg/") {
		browser = "Edge"
	} else if strings.Contains(uaLower, "chrome") {
		browser = "Chrome"
	} else if strings.Contains(uaLower, "safari") {
		browser = "Safari"
	} else if strings.Contains(uaLower, "firefox") {
		browser = "Firefox"
	} else {
		browser = "Unknown"
	}

	return os, browser
}

// DeviceType classifies a user agent into desktop/mobile/tablet for
// device naming.
func DeviceType(ua string) string {
	uaLower := strings.ToLower(ua)
	switch {
	case strings.Contains(uaLower, "ipad") || strings.Contains(uaLower, "tablet"):
		return "tablet"
	case strings.Contains(uaLower, "mobi") || strings.Contains(uaLower, "iphone") || strings.Contains(uaLower, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

// DeviceName builds a human-readable label like "Chrome on macOS".
func DeviceName(ua string) string {
	os, browser := ParseUserAgent(ua)
	return browser + " on " + os
}
