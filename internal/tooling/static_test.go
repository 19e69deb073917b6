package tooling

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const catalogYAML = `tools:
  - id: news-search
    name: News Search
    baseUrl: https://api.example.com
    endpoints:
      - path: /search
        method: POST
        description: full-text news search
    pricingHints:
      - endpoint: /search
        asset: USDC
        amountAtomic: "1000000"
  - id: translator
    name: Translator
    baseUrl: https://translate.example.com
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadStaticCatalog(t *testing.T) {
	catalog, err := LoadStaticCatalog(writeCatalog(t, catalogYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tools, err := catalog.List(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	tool, err := catalog.Get(context.Background(), "ws-1", "news-search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tool.BaseURL != "https://api.example.com" {
		t.Fatalf("unexpected base url: %s", tool.BaseURL)
	}
	if len(tool.Endpoints) != 1 || tool.Endpoints[0].Path != "/search" {
		t.Fatalf("unexpected endpoints: %+v", tool.Endpoints)
	}
	if len(tool.PricingHints) != 1 || tool.PricingHints[0].AmountAtomic != "1000000" {
		t.Fatalf("unexpected pricing: %+v", tool.PricingHints)
	}

	if _, err := catalog.Get(context.Background(), "ws-1", "missing"); err == nil {
		t.Fatalf("expected not-found for missing tool")
	}
}

func TestLoadStaticCatalogRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing id", "tools:\n  - name: NoID\n    baseUrl: https://x.example.com\n"},
		{"missing base url", "tools:\n  - id: broken\n    name: Broken\n"},
		{"duplicate id", "tools:\n  - id: a\n    baseUrl: https://a.example.com\n  - id: a\n    baseUrl: https://b.example.com\n"},
		{"bad yaml", "tools: [whoops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadStaticCatalog(writeCatalog(t, tc.content)); err == nil {
				t.Fatalf("expected load error")
			}
		})
	}
}
