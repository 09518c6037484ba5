package mint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/ratelimit"
)

func TestRegistry(t *testing.T) {
	created := 0
	registry := NewRegistry(func(mintURL string) Client {
		created++
		return NewHTTPClient(mintURL, adapter.NewHTTPClient(0), ratelimit.NewLocalLimiter(10, 5))
	}, "https://mint.example.com/")

	a, err := registry.Get("https://mint.example.com")
	require.NoError(t, err)
	b, err := registry.Get("https://mint.example.com/")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)
	assert.Equal(t, "https://mint.example.com", a.URL())

	_, err = registry.Get("https://evil.example.com")
	assert.Equal(t, domain.ErrCodeMintUnavailable, domain.CodeOf(err))

	assert.Equal(t, []string{"https://mint.example.com"}, registry.Mints())
}
