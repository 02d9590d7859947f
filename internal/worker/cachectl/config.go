package cachectl

import "fmt"

// Config configures the offline cache.
type Config struct {
	// Origin is the application origin, e.g. "https://shop.example".
	Origin string
	// Prefix and Version name the buckets: <prefix>-static-<version>, <prefix>-dynamic-<version>.
	Prefix  string
	Version string
	// ShellResources are precached at install. "/" must be present for the HTML fallback.
	ShellResources []string
	// MaxEntryBytes skips caching bodies larger than this. Zero means no bound.
	MaxEntryBytes int64
}

func DefaultConfig() Config {
	return Config{
		Prefix:  "storefront",
		Version: "v3",
		ShellResources: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/icon-192x192.png",
			"/icon-512x512.png",
		},
	}
}

func (c Config) StaticBucket() string {
	return fmt.Sprintf("%s-static-%s", c.Prefix, c.Version)
}

func (c Config) DynamicBucket() string {
	return fmt.Sprintf("%s-dynamic-%s", c.Prefix, c.Version)
}
