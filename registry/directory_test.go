package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileDirectory_Resolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voters.json")
	d, err := NewFileDirectory(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.AddVoter(VoterEntry{PublicID: "V1", AccountRef: "acct-001", IsActive: true}); err != nil {
		t.Fatalf("AddVoter() error = %v", err)
	}
	if err := d.AddVoter(VoterEntry{PublicID: "V2", AccountRef: "acct-002", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := d.Deactivate("V2"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr error
	}{
		{"active voter", "V1", "acct-001", nil},
		{"inactive voter", "V2", "", ErrVoterInactive},
		{"unknown voter", "V9", "", ErrVoterNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.ResolveAccountID(context.Background(), tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveAccountID() = %q, want %q", got, tt.want)
			}
		})
	}

	reloaded, err := NewFileDirectory(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := reloaded.ResolveAccountID(context.Background(), "V1"); err != nil || got != "acct-001" {
		t.Errorf("after reload: %q, %v", got, err)
	}
	if _, err := reloaded.ResolveAccountID(context.Background(), "V2"); !errors.Is(err, ErrVoterInactive) {
		t.Errorf("deactivation lost on reload: %v", err)
	}
}

func TestFileDirectory_RejectsInvalidEntries(t *testing.T) {
	d, _ := NewFileDirectory("")
	for _, e := range []VoterEntry{
		{PublicID: "", AccountRef: "a"},
		{PublicID: "p", AccountRef: ""},
		{PublicID: "same", AccountRef: "same"},
	} {
		if err := d.AddVoter(e); err == nil {
			t.Errorf("AddVoter(%+v) accepted", e)
		}
	}
}

func TestFileDirectory_LoadRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voters.json")
	data := `{"voters":[{"public_id":"V1","account_ref":"a1","is_active":true},{"public_id":"V1","account_ref":"a2","is_active":true}]}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileDirectory(path); err == nil {
		t.Error("expected error for duplicate public id")
	}
}
