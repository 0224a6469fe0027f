// Package llm builds eino chat models for the configured model list.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"csvai/internal/config"
	"csvai/internal/models"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrMissingAPIKey = errors.New("api key required")
)

const claudeMaxTokens = 3000

// Factory turns generation settings into chat models.
type Factory struct {
	cfg *config.Config
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg}
}

// Models lists the selectable model names.
func (f *Factory) Models() []string {
	return f.cfg.ModelNames()
}

// DefaultModel is the first entry of the selector.
func (f *Factory) DefaultModel() string {
	if len(f.cfg.Models) == 0 {
		return ""
	}
	return f.cfg.Models[0].Name
}

// CheckModel returns ErrUnknownModel when name is not configured.
func (f *Factory) CheckModel(name string) error {
	if _, ok := f.cfg.Model(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return nil
}

// ContextWindow returns the token window of a model.
func (f *Factory) ContextWindow(name string) int {
	if m, ok := f.cfg.Model(name); ok {
		return m.ContextWindow
	}
	return 4096
}

// KeyFromEnv reports whether the OpenAI key was loaded from .env.
func (f *Factory) KeyFromEnv() bool {
	return f.cfg.APIKeyFromEnv
}

// APIKey picks the key used for modelName: a key loaded from .env wins, then
// the key entered for the session, then the provider key from the config file.
func (f *Factory) APIKey(modelName, sessionKey string) (string, error) {
	m, ok := f.cfg.Model(modelName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	return f.providerKey(m.Provider, sessionKey)
}

// EmbeddingKey is the OpenAI key used for embeddings, whatever chat model is selected.
func (f *Factory) EmbeddingKey(sessionKey string) (string, error) {
	return f.providerKey(config.ProviderOpenAI, sessionKey)
}

func (f *Factory) providerKey(provider, sessionKey string) (string, error) {
	prov := f.cfg.Providers[provider]
	if provider == config.ProviderOpenAI && f.cfg.APIKeyFromEnv && prov.APIKey != "" {
		return prov.APIKey, nil
	}
	if key := strings.TrimSpace(sessionKey); key != "" {
		return key, nil
	}
	if prov.APIKey != "" {
		return prov.APIKey, nil
	}
	return "", ErrMissingAPIKey
}

// ChatModel builds the model selected by settings. Temperature, top-p and
// frequency penalty are passed where the provider supports them.
func (f *Factory) ChatModel(ctx context.Context, settings models.GenerationSettings, apiKey string) (model.ToolCallingChatModel, error) {
	m, ok := f.cfg.Model(settings.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, settings.Model)
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	provCfg := f.cfg.Providers[m.Provider]
	temperature := float32(settings.Temperature)
	topP := float32(settings.TopP)

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch m.Provider {
	case config.ProviderOpenAI:
		penalty := float32(settings.FrequencyPenalty)
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:          provCfg.BaseURL,
			Model:            m.Name,
			APIKey:           apiKey,
			Temperature:      &temperature,
			TopP:             &topP,
			FrequencyPenalty: &penalty,
		})
	case config.ProviderGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: apiKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       m.Name,
			Temperature: &temperature,
			TopP:        &topP,
		})
	case config.ProviderClaude:
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      apiKey,
			Model:       m.Name,
			BaseURL:     baseURLPtr,
			MaxTokens:   claudeMaxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", m.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", m.Provider, err)
	}
	return chatModel, nil
}
