// ABOUTME: Build identity constants
// ABOUTME: Reported at startup and in discovery metadata
package version

const (
	Version      = "0.1.0"
	Product      = "audiorelay"
	Manufacturer = "AudioRelay Project"
)
