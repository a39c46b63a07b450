package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

func TestStaticFromEnv(t *testing.T) {
	t.Setenv("PROVIDERS", "dr-lee:Dr. Lee,dr-kim")
	t.Setenv("OPERATORIES", "op2:Room 2, op1:Room 1")
	d, err := StaticFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	ops, _ := d.Operatories(context.Background())
	if len(ops) != 2 || ops[0].ID != "op2" || ops[0].Priority != 1 || ops[1].Name != "Room 1" {
		t.Fatalf("unexpected operatories %+v", ops)
	}
	provs, _ := d.Providers(context.Background())
	if provs[1].Name != "dr-kim" {
		t.Fatalf("name should default to id, got %+v", provs[1])
	}
}

func TestStaticFromEnvRejectsDuplicates(t *testing.T) {
	t.Setenv("PROVIDERS", "a,a")
	t.Setenv("OPERATORIES", "op1")
	if _, err := StaticFromEnv(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestStaticFromEnvRequiresRecords(t *testing.T) {
	t.Setenv("PROVIDERS", "")
	t.Setenv("OPERATORIES", "op1")
	if _, err := StaticFromEnv(); err == nil {
		t.Fatalf("expected error without providers")
	}
}

func TestLookup(t *testing.T) {
	d := NewStatic([]model.Resource{{ID: "P"}}, []model.Resource{{ID: "O1"}})
	if _, err := Lookup(context.Background(), d, model.KindOperatory, "O1"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := Lookup(context.Background(), d, model.KindProvider, "O1"); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected unknown resource, got %v", err)
	}
}
