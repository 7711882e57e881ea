package common

// Provider name constants for consistent naming across the application
const (
	// ProviderEsri is the internal identifier for ESRI World Imagery
	ProviderEsri = "esri"

	// ProviderRainViewer is the internal identifier for RainViewer radar frames
	ProviderRainViewer = "rainviewer"

	// DisplayNameEsri is the human-readable name shown in the UI
	DisplayNameEsri = "Esri World Imagery"

	// DisplayNameRainViewer is the human-readable name shown in the UI
	DisplayNameRainViewer = "RainViewer"
)

// Providers lists every remote provider
var Providers = []string{ProviderEsri, ProviderRainViewer}

// ProviderDisplayName returns the UI name of a provider, or the id itself if unknown
func ProviderDisplayName(provider string) string {
	switch provider {
	case ProviderEsri:
		return DisplayNameEsri
	case ProviderRainViewer:
		return DisplayNameRainViewer
	default:
		return provider
	}
}
