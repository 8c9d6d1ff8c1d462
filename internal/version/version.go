package version

// Version identifies the server build. Release builds override it via
// -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = "dev"

// Get returns the build version string.
func Get() string {
	return Version
}
