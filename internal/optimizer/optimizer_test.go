package optimizer

import (
	"reflect"
	"testing"
)

func TestOptimize_CleansAndAppendsSuffix(t *testing.T) {
	o := &Optimizer{}
	got := o.Optimize("  climate   policy？ ", "news")
	if got.Text != "climate policy latest news" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if got.Category != "news" {
		t.Fatalf("unexpected category %q", got.Category)
	}
	if got.Providers[0] != "tavily" {
		t.Fatalf("expected tavily first for news, got %v", got.Providers)
	}
}

func TestOptimize_SuffixNotDuplicated(t *testing.T) {
	o := &Optimizer{}
	got := o.Optimize("Latest NEWS on fusion", "news")
	if got.Text != "Latest NEWS on fusion" {
		t.Fatalf("expected text unchanged, got %q", got.Text)
	}
}

func TestOptimize_FullWidthNormalized(t *testing.T) {
	o := &Optimizer{}
	got := o.Optimize("ＧＯ generics", "code")
	if got.Text != "GO generics documentation example" {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestOptimize_UnknownCategoryIsGeneral(t *testing.T) {
	o := &Optimizer{}
	got := o.Optimize("rust async.", "sports")
	if got.Category != "general" || got.Text != "rust async" {
		t.Fatalf("unexpected rewrite %+v", got)
	}
	if !reflect.DeepEqual(got.Providers, DefaultPriorities()["general"]) {
		t.Fatalf("unexpected providers %v", got.Providers)
	}
}

func TestOptimize_ConfiguredPriorityAndDeterminism(t *testing.T) {
	o := &Optimizer{Priorities: map[string][]string{"academic": {"searxng", "perplexity"}}}
	a := o.Optimize("protein folding", "academic")
	b := o.Optimize("protein folding", "academic")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("optimizer is not deterministic: %+v vs %+v", a, b)
	}
	if a.Text != "protein folding research paper" || a.Providers[0] != "searxng" {
		t.Fatalf("unexpected rewrite %+v", a)
	}
	a.Providers[0] = "mutated"
	if o.Priorities["academic"][0] != "searxng" {
		t.Fatalf("rewrite must not alias configuration")
	}
}
