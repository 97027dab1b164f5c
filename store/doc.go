// Package store implements the embedded object store the persistence cache
// sits in front of.
//
// Objects are plain Go values: pointers to structs, pointers to slices and
// maps. Every stored object gets a numeric identity and is kept in a live
// registry, so fetching the same identity twice yields the same pointer.
// References between objects are persisted as identities and restored as
// inactive stubs that are filled in on activation:
//
//	db, err := store.Open(ctx, store.Config{Path: "objects.db", ActivationDepth: 2})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	user := &User{Name: "jane", Address: &Address{City: "Lisbon"}}
//	if err := db.Store(ctx, user); err != nil { // Address is stored too
//		return err
//	}
//	if err := db.Commit(ctx); err != nil {
//		return err
//	}
//
// Each object is one row in SQLite (through bun), its fields encoded with
// msgpack. Writes are staged in memory and flushed in a single transaction by
// Commit.
package store
