package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func runDatabaseContract(t *testing.T, db Database) {
	t.Helper()

	key := []byte("tree/node/pool-1/100:4")
	if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: got %v, want ErrNotFound", err)
	}
	if ok, err := db.Has(key); err != nil || ok {
		t.Fatalf("Has on missing key = %v, %v", ok, err)
	}

	if err := db.Put(key, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get(key)
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := db.Put(key, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Get(key)
	if string(got) != "v2" {
		t.Fatalf("overwrite lost: %q", got)
	}

	if err := db.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: got %v, want ErrNotFound", err)
	}

	// Batched operations stay invisible until Write lands them together.
	a, b := []byte("batch/a"), []byte("batch/b")
	batch := db.NewBatch()
	if err := batch.Put(a, []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Put(b, []byte("2")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.Has(a); ok {
		t.Fatal("buffered batch write already visible")
	}
	if err := batch.Write(); err != nil {
		t.Fatal(err)
	}
	got, err = db.Get(a)
	if err != nil || string(got) != "1" {
		t.Fatalf("batched put: %q, %v", got, err)
	}

	mixed := db.NewBatch()
	if err := mixed.Delete(a); err != nil {
		t.Fatal(err)
	}
	if err := mixed.Put(b, []byte("3")); err != nil {
		t.Fatal(err)
	}
	if err := mixed.Write(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batched delete: got %v, want ErrNotFound", err)
	}
	got, _ = db.Get(b)
	if string(got) != "3" {
		t.Fatalf("batched overwrite lost: %q", got)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	runDatabaseContract(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "leveldb"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	runDatabaseContract(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "bolt.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	runDatabaseContract(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	val := []byte("mutable")
	if err := db.Put([]byte("k"), val); err != nil {
		t.Fatal(err)
	}
	val[0] = 'X'
	got, _ := db.Get([]byte("k"))
	if string(got) != "mutable" {
		t.Fatalf("stored value aliases caller buffer: %q", got)
	}
}
