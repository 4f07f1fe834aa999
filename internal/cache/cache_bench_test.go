package cache

import (
	"context"
	"testing"
	"time"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/store"
)

func BenchmarkStoreCache_Set(b *testing.B) {
	mem := store.NewMemory()
	defer mem.Close()
	c := NewStoreCache(mem, nil)
	ctx := context.Background()
	key := GenerateKey(KindText, "openai", "gpt-4o", "Hello", "", domain.GenerateOptions{})
	entry := &Entry{Text: "Hi there", Model: "gpt-4o"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(ctx, key, entry, 5*time.Minute)
	}
}

func BenchmarkStoreCache_Get_Hit(b *testing.B) {
	mem := store.NewMemory()
	defer mem.Close()
	c := NewStoreCache(mem, nil)
	ctx := context.Background()
	key := GenerateKey(KindText, "openai", "gpt-4o", "Hello", "", domain.GenerateOptions{})
	c.Set(ctx, key, &Entry{Text: "Hi there"}, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, key)
	}
}

func BenchmarkGenerateKey(b *testing.B) {
	temp := 0.7
	opts := domain.GenerateOptions{Temperature: &temp}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GenerateKey(KindText, "openai", "gpt-4o", "Summarize my spending this month", "You are a finance assistant", opts)
	}
}
