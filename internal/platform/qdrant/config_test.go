package qdrant

import (
	"errors"
	"testing"
)

func TestResolveConfigFromEnv(t *testing.T) {
	t.Setenv("QDRANT_URL", "http://qdrant:6333")
	t.Setenv("QDRANT_COLLECTION", "")
	t.Setenv("QDRANT_VECTOR_DIM", "1536")

	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Collection != "prospectus_pages" {
		t.Fatalf("expected default collection, got %q", cfg.Collection)
	}
	if cfg.VectorDim != 1536 {
		t.Fatalf("expected dim 1536, got %d", cfg.VectorDim)
	}
}

func TestResolveConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		url  string
		dim  string
		code ConfigErrorCode
	}{
		{"missing url", "", "1536", ConfigErrorMissingURL},
		{"relative url", "qdrant:6333", "1536", ConfigErrorInvalidURL},
		{"missing dim", "http://qdrant:6333", "", ConfigErrorMissingVectorDim},
		{"bad dim", "http://qdrant:6333", "banana", ConfigErrorInvalidVectorDim},
		{"negative dim", "http://qdrant:6333", "-4", ConfigErrorInvalidVectorDim},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("QDRANT_URL", tc.url)
			t.Setenv("QDRANT_COLLECTION", "pages")
			t.Setenv("QDRANT_VECTOR_DIM", tc.dim)

			_, err := ResolveConfigFromEnv()
			var cfgErr *ConfigError
			if err == nil || !errors.As(err, &cfgErr) {
				t.Fatalf("expected config error, got %v", err)
			}
			if cfgErr.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, cfgErr.Code)
			}
		})
	}
}
