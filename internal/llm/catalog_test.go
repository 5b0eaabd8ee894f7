package llm

import "testing"

func testCatalog() *Catalog {
	return NewCatalog(
		CatalogEntry{ID: "gpt-4o", Provider: "openai", Aliases: []string{"4o"}},
		CatalogEntry{ID: "gpt-4o-mini", Provider: "openai", Aliases: []string{"4o-mini", "mini"}},
		CatalogEntry{ID: "gpt-4-turbo", Provider: "openai", Deprecated: true, ReplacedBy: "gpt-4o"},
		CatalogEntry{ID: "claude-sonnet-4-5", Provider: "anthropic", Aliases: []string{"sonnet"}},
	)
}

func TestCatalogResolve(t *testing.T) {
	c := testCatalog()

	tests := []struct {
		name    string
		in      string
		want    string
		wantOK  bool
	}{
		{"canonical id", "gpt-4o", "gpt-4o", true},
		{"alias", "mini", "gpt-4o-mini", true},
		{"alias case insensitive", "SONNET", "claude-sonnet-4-5", true},
		{"deprecated redirect", "gpt-4-turbo", "gpt-4o", true},
		{"unknown", "nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Resolve(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCatalogAlternate(t *testing.T) {
	c := testCatalog()

	alt, ok := c.Alternate("gpt-4o-mini")
	if !ok {
		t.Fatal("expected an alternate for gpt-4o-mini")
	}
	if alt == "gpt-4o-mini" {
		t.Error("alternate must differ from the original model")
	}
	if alt != "gpt-4o" {
		t.Errorf("Alternate(gpt-4o-mini) = %q, want gpt-4o (same provider, non-deprecated)", alt)
	}

	if _, ok := NewCatalog().Alternate("anything"); ok {
		t.Error("empty catalog should have no alternate")
	}
}
