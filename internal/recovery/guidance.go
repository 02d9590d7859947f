package recovery

import (
	"fmt"
	"strings"
)

// Platform is the device family manual reset instructions are written for.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformOther   Platform = "other"
)

// Guidance tells the user how to re-enable notifications by hand once the
// platform has blocked them.
type Guidance struct {
	Platform Platform
	Title    string
	Steps    []string
}

// DetectPlatform picks the platform from a User-Agent header.
func DetectPlatform(userAgent string) Platform {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return PlatformAndroid
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return PlatformIOS
	default:
		return PlatformOther
	}
}

// GuidanceFor returns the static instructions for userAgent. site is the host
// name shown to the user, e.g. "shop.example".
func GuidanceFor(userAgent, site string) Guidance {
	switch DetectPlatform(userAgent) {
	case PlatformAndroid:
		return Guidance{
			Platform: PlatformAndroid,
			Title:    "Android (Chrome)",
			Steps: []string{
				"Open Android Settings",
				"Go to Apps, then Chrome (or your browser)",
				"Tap Notifications",
				fmt.Sprintf("Find the site %q", site),
				"Allow notifications for this site",
				"Come back here and run the reset again",
			},
		}
	case PlatformIOS:
		return Guidance{
			Platform: PlatformIOS,
			Title:    "iOS (Safari)",
			Steps: []string{
				"Open iOS Settings",
				"Go to Safari",
				"Scroll down to Websites",
				fmt.Sprintf("Select %q in the list", site),
				"Turn Notifications on",
				"Come back here and run the reset again",
			},
		}
	default:
		return Guidance{
			Platform: PlatformOther,
			Title:    "Other devices",
			Steps: []string{
				"Uninstall the installed app completely",
				"Open the site in a regular browser window",
				"Allow notifications when asked",
				"Install the app again if you want to",
			},
		}
	}
}
