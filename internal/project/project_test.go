package project

import "testing"

func TestLookupNotFound(t *testing.T) {
	r := NewInMemoryRegistry()
	if _, err := r.Lookup("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupSeeded(t *testing.T) {
	r := NewInMemoryRegistry(Config{ProjectID: DefaultProjectID, PublicByDefault: true})
	c, err := r.Lookup(DefaultProjectID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !c.PublicByDefault {
		t.Fatalf("expected PublicByDefault=true")
	}
}

func TestPutOverwritesAndRemoveDeletes(t *testing.T) {
	r := NewInMemoryRegistry()
	r.Put(Config{ProjectID: "p1", CORSOrigins: []string{"https://a.example"}})
	c, err := r.Lookup("p1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(c.CORSOrigins) != 1 {
		t.Fatalf("unexpected origins: %v", c.CORSOrigins)
	}

	r.Put(Config{ProjectID: "p1", CORSOrigins: []string{"https://b.example"}})
	c, _ = r.Lookup("p1")
	if c.CORSOrigins[0] != "https://b.example" {
		t.Fatalf("expected overwrite, got %v", c.CORSOrigins)
	}

	r.Remove("p1")
	if _, err := r.Lookup("p1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
