package inference

import (
	"context"
	"fmt"
	"slices"

	"llamachat/internal/config"
)

var providers = []string{"replicate", "openai", "claude", "gemini", "mock"}

// modelAliases maps display names offered to users onto model identifiers.
var modelAliases = map[string]string{
	"Meta LLaMA-2 7B Chat":         DefaultReplicateModel,
	"Meta Llama 3.1 405B Instruct": DefaultReplicateModel,
}

// Supported reports whether New knows provider.
func Supported(provider string) bool {
	return slices.Contains(providers, provider)
}

// ResolveModel picks the model identifier for a session: an explicit name
// (display names are translated), then the provider default, then fallback.
func ResolveModel(name string, provCfg config.ProviderConfig, fallback string) string {
	if id, ok := modelAliases[name]; ok {
		return id
	}
	if name != "" {
		return name
	}
	if provCfg.Model != "" {
		return provCfg.Model
	}
	return fallback
}

// New builds the invoker for provider using token as the credential.
func New(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName, token string) (Invoker, error) {
	switch provider {
	case "replicate":
		return NewReplicate(token, provCfg.BaseURL)
	case "openai", "claude", "gemini":
		return NewChatModelInvoker(ctx, provider, provCfg, modelName, token)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}
