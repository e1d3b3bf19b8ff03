package migrations

import (
	"testing"
)

// Embed performance benchmarks

func Benchmark_CatalogList(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	catalog := NewCatalog(nil)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := catalog.List(); err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

func Benchmark_CatalogContent(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	catalog := NewCatalog(nil)
	filename := "001_create_documents.up.sql"

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := catalog.Content(filename); err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}

func Benchmark_CatalogValidate(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	catalog := NewCatalog(nil)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := catalog.Validate(); err != nil {
			b.Fatalf("benchmark failed: %v", err)
		}
	}
}
