package factory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/llm"
)

// =============================================================================
// Factory Tests
// =============================================================================

func TestNewProviderFromConfig_AllProviders(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name         string
		providerName string
		cfg          ProviderConfig
		wantName     string
	}{
		{
			name:         "openai",
			providerName: "openai",
			cfg:          ProviderConfig{APIKey: "sk-test"},
			wantName:     "openai",
		},
		{
			name:         "anthropic",
			providerName: "anthropic",
			cfg:          ProviderConfig{APIKey: "sk-test"},
			wantName:     "claude",
		},
		{
			name:         "claude alias",
			providerName: "claude",
			cfg:          ProviderConfig{APIKey: "sk-test"},
			wantName:     "claude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProviderFromConfig(tt.providerName, tt.cfg, logger)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNewProviderFromConfig_UnknownProvider(t *testing.T) {
	_, err := NewProviderFromConfig("nonexistent", ProviderConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewProviderFromConfig_OpenAIExtras(t *testing.T) {
	p, err := NewProviderFromConfig("openai", ProviderConfig{
		APIKey: "sk-test",
		Extra: map[string]any{
			"organization":      "org-123",
			"use_responses_api": true,
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestNewProviderFromConfig_AnthropicExtras(t *testing.T) {
	p, err := NewProviderFromConfig("anthropic", ProviderConfig{
		APIKey: "sk-test",
		Extra: map[string]any{
			"auth_type":         "api_key",
			"anthropic_version": "2023-06-01",
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Name())
}

func TestNewProviderFromConfig_NilLogger(t *testing.T) {
	p, err := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewProviderFromConfig_NilExtras(t *testing.T) {
	p, err := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestSupportedProviders(t *testing.T) {
	names := SupportedProviders()
	assert.GreaterOrEqual(t, len(names), 2)
	assert.Contains(t, names, "openai")
	assert.Contains(t, names, "claude")
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestProviderRegistry_RegisterAndGet(t *testing.T) {
	reg := llm.NewProviderRegistry()
	p, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)

	reg.Register("openai", p)

	got, ok := reg.Get("openai")
	assert.True(t, ok)
	assert.Equal(t, "openai", got.Name())

	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestProviderRegistry_DefaultProvider(t *testing.T) {
	reg := llm.NewProviderRegistry()
	p, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	reg.Register("openai", p)

	// No default set yet
	_, err := reg.Default()
	require.Error(t, err)

	// Set default
	err = reg.SetDefault("openai")
	require.NoError(t, err)

	got, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Name())

	// Set default to unregistered name
	err = reg.SetDefault("nonexistent")
	require.Error(t, err)
}

func TestProviderRegistry_List(t *testing.T) {
	reg := llm.NewProviderRegistry()
	p1, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	p2, _ := NewProviderFromConfig("anthropic", ProviderConfig{APIKey: "sk-test"}, nil)

	reg.Register("anthropic", p2)
	reg.Register("openai", p1)

	names := reg.List()
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, names)
}

func TestProviderRegistry_Unregister(t *testing.T) {
	reg := llm.NewProviderRegistry()
	p, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	reg.Register("openai", p)
	reg.SetDefault("openai")

	reg.Unregister("openai")

	_, ok := reg.Get("openai")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	// Default should be cleared
	_, err := reg.Default()
	require.Error(t, err)
}

func TestProviderRegistry_Len(t *testing.T) {
	reg := llm.NewProviderRegistry()
	assert.Equal(t, 0, reg.Len())

	p, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
	reg.Register("openai", p)
	assert.Equal(t, 1, reg.Len())
}

func TestProviderRegistry_ConcurrentAccess(t *testing.T) {
	reg := llm.NewProviderRegistry()
	var wg sync.WaitGroup

	// Concurrent writes
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p, _ := NewProviderFromConfig("openai", ProviderConfig{APIKey: "sk-test"}, nil)
			name := "provider-" + string(rune('a'+idx%26))
			reg.Register(name, p)
		}(i)
	}

	// Concurrent reads
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.List()
			reg.Len()
			reg.Get("openai")
		}()
	}

	wg.Wait()
	// No panic = pass
}
