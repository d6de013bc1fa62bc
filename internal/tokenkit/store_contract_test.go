package tokenkit_test

import (
	"context"
	"testing"

	"github.com/tyemirov/tokenrelay/internal/tokenkit"
	"github.com/tyemirov/tokenrelay/internal/tokenkit/storetest"
)

func TestTokenStoresShareSemantics(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		store func(t *testing.T) tokenkit.TokenStore
	}{
		{
			name: "memory",
			store: func(t *testing.T) tokenkit.TokenStore {
				t.Helper()
				return tokenkit.NewMemoryTokenStore()
			},
		},
		{
			name: "sqlite",
			store: func(t *testing.T) tokenkit.TokenStore {
				t.Helper()
				store, err := tokenkit.NewDatabaseTokenStore(context.Background(), "sqlite:file:contract?mode=memory&cache=shared")
				if err != nil {
					t.Fatalf("failed to create sqlite store: %v", err)
				}
				return store
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			storetest.Exercise(t, testCase.store(t))
		})
	}
}
