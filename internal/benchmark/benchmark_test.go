package benchmark_test

import (
	"fmt"
	"testing"

	"github.com/docsync/docsync.go/pkg/credentials"
	"github.com/docsync/docsync.go/pkg/local"
	"github.com/docsync/docsync.go/pkg/model"
	"github.com/docsync/docsync.go/pkg/persistence"
	"github.com/docsync/docsync.go/pkg/wire"
)

func setupLocalStore(b *testing.B) *local.LocalStore {
	b.Helper()
	serializer := wire.NewSerializer(wire.DatabaseID{ProjectID: "bench", Database: "bench"})
	p := persistence.NewMemoryLRUPersistence(persistence.DefaultLruParams(), serializer, nil)
	if err := p.Start(); err != nil {
		b.Fatal(err)
	}
	ls := local.NewLocalStore(p, local.NewQueryEngine(nil), credentials.User{UID: "bench"}, nil)
	if err := ls.Start(); err != nil {
		b.Fatal(err)
	}
	return ls
}

func setUser(i int) model.Mutation {
	key := model.DocumentKeyFromString(fmt.Sprintf("users/%d", i))
	return model.NewSetMutation(key, model.MustObjectValueOf(map[string]any{
		"username": fmt.Sprintf("user%d", i),
		"age":      int64(i % 100),
	}))
}

// BenchmarkWriteLocally measures applying a one-mutation batch to the cache.
func BenchmarkWriteLocally(b *testing.B) {
	ls := setupLocalStore(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ls.WriteLocally([]model.Mutation{setUser(i)}); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExecuteQuery measures a filtered query over pending local writes.
func BenchmarkExecuteQuery(b *testing.B) {
	ls := setupLocalStore(b)
	for i := 0; i < 1000; i++ {
		if _, err := ls.WriteLocally([]model.Mutation{setUser(i)}); err != nil {
			b.Fatal(err)
		}
	}
	q := model.NewQuery(model.ResourcePathFromString("users")).
		WithFilter(model.NewFieldFilter(model.FieldPathFromDotted("age"), model.OpGreaterThan, model.MustValueOf(int64(90))))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ls.ExecuteQuery(q, false); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReadDocument measures a point read of a document with a pending write.
func BenchmarkReadDocument(b *testing.B) {
	ls := setupLocalStore(b)
	if _, err := ls.WriteLocally([]model.Mutation{setUser(1)}); err != nil {
		b.Fatal(err)
	}
	key := model.DocumentKeyFromString("users/1")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ls.ReadDocument(key); err != nil {
			b.Fatal(err)
		}
	}
}
