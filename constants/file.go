package constants

// Defaults for the batch endpoint, matching what the prototyping scripts sent.
const (
	DefaultEndpoint         = "/v1/chat/completions"
	DefaultCompletionWindow = "24h"
	DefaultModel            = "gpt-4o-mini"
	DefaultImageDetail      = "low"
	DefaultMaxTokens        = 500
	DefaultTemperature      = 0.2

	// OpenAI batch input limits.
	MaxRequestsPerBatch = 50000
	MaxBatchFileBytes   = 200 * 1024 * 1024
)

// ImageDetails are the accepted image_url.detail levels.
var ImageDetails = []string{"low", "high", "auto"}

// Default CSV column names used by the cleaned image manifest.
const (
	ColumnIdentifier = "nombre_foto"
	ColumnURL        = "public_url"
	ColumnLat        = "lat"
	ColumnLon        = "lon"
	ColumnCapturedAt = "captured_at"
	ColumnTile       = "tile"
)
