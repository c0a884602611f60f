package adapter

var (
	GeminiConfig  = geminiConfig
	ConvertSchema = convertSchema
)
