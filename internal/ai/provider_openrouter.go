package ai

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "qwen/qwen-2.5-72b-instruct"
)

// NewOpenRouterProvider creates a provider for OpenRouter, which speaks the
// OpenAI chat completions API and attributes traffic through two extra
// headers.
func NewOpenRouterProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	opts = append([]OpenAIOption{
		WithBaseURL(defaultOpenRouterBaseURL),
		WithProviderName("openrouter"),
		WithDefaultModel(defaultOpenRouterModel),
		WithHeader("HTTP-Referer", "https://pandai.org"),
		WithHeader("X-Title", "P&AI Review"),
		WithModels([]ModelInfo{
			{ID: defaultOpenRouterModel, Name: "Qwen 2.5 72B", MaxTokens: 32768, Description: "Open-weight model via OpenRouter"},
		}),
	}, opts...)
	return NewOpenAIProvider(apiKey, opts...)
}
