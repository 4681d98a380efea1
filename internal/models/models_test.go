package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEntityBeforeCreateAssignsOrderedID(t *testing.T) {
	var first, second Entity
	if err := first.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if err := second.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}

	id, err := uuid.Parse(first.ID)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected a version 7 uuid, got %d", id.Version())
	}
	if first.ID >= second.ID {
		t.Fatalf("expected ids to sort by creation: %s >= %s", first.ID, second.ID)
	}

	preset := Entity{ID: "fixed"}
	if err := preset.BeforeCreate(nil); err != nil || preset.ID != "fixed" {
		t.Fatalf("expected preset id to be kept, got %q (%v)", preset.ID, err)
	}
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *Entity
	}{
		{"role", func() *Entity {
			r := &Role{}
			return &r.Entity
		}},
		{"permission", func() *Entity {
			p := &Permission{}
			return &p.Entity
		}},
		{"email_verification", func() *Entity {
			v := &EmailVerification{}
			return &v.Entity
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := tc.model()
			if err := model.BeforeCreate(nil); err != nil {
				t.Fatalf("before create: %v", err)
			}
			if model.ID == "" {
				t.Fatal("expected ID to be generated")
			}
		})
	}
}

func TestUserBeforeCreateAssignsExternalID(t *testing.T) {
	user := &User{}
	if err := user.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if user.ID == "" || user.ExternalID == "" {
		t.Fatalf("expected identifiers, got id=%q external=%q", user.ID, user.ExternalID)
	}
	if user.ID == user.ExternalID {
		t.Fatal("expected external id to differ from row id")
	}

	existing := &User{ExternalID: "fixed"}
	if err := existing.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if existing.ExternalID != "fixed" {
		t.Fatalf("expected external id to be preserved, got %q", existing.ExternalID)
	}
}

func TestUserPermissionKeysDeduplicates(t *testing.T) {
	user := &User{Roles: []Role{
		{Name: "user", Permissions: []Permission{
			{Resource: "applications", Action: "read"},
			{Resource: "applications", Action: "write"},
		}},
		{Name: "readonly", Permissions: []Permission{
			{Resource: "applications", Action: "read"},
			{Resource: "reports", Action: "read"},
		}},
	}}

	keys := user.PermissionKeys()
	expected := []string{"applications:read", "applications:write", "reports:read"}
	if len(keys) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, keys)
	}
	for i := range expected {
		if keys[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, keys)
		}
	}

	names := user.RoleNames()
	if len(names) != 2 || names[0] != "readonly" || names[1] != "user" {
		t.Fatalf("unexpected role names %v", names)
	}
}

func TestUserPasswordHistoryKeepsMostRecent(t *testing.T) {
	user := &User{}
	for _, hash := range []string{"h1", "h2", "h3", "h4"} {
		user.PushPasswordHistory(hash, 3)
	}
	history := user.PasswordHistoryHashes()
	if len(history) != 3 || history[0] != "h2" || history[2] != "h4" {
		t.Fatalf("unexpected history %v", history)
	}
}

func TestRoleBeforeDeleteGuardsSystemRoles(t *testing.T) {
	if err := (&Role{IsSystem: true}).BeforeDelete(nil); err != ErrSystemRole {
		t.Fatalf("expected ErrSystemRole, got %v", err)
	}
	if err := (&Role{}).BeforeDelete(nil); err != nil {
		t.Fatalf("expected custom role delete to pass, got %v", err)
	}
}

func TestSessionLive(t *testing.T) {
	now := time.Now()
	session := &Session{IsActive: true, ExpiresAt: now.Add(time.Minute)}
	if !session.Live(now) {
		t.Fatal("expected live session")
	}
	if session.Live(now.Add(time.Minute)) {
		t.Fatal("expected session to be dead at its expiry")
	}
	session.IsActive = false
	if session.Live(now) {
		t.Fatal("expected inactive session to be dead")
	}
}

func TestAuditLogRejectsUpdate(t *testing.T) {
	if err := (&AuditLog{}).BeforeUpdate(nil); err != ErrAuditImmutable {
		t.Fatalf("expected ErrAuditImmutable, got %v", err)
	}
}

func TestClipKeepsWholeRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{in: " 10.0.0.1 ", max: IPAddressSize, want: "10.0.0.1"},
		{in: "abcdef", max: 4, want: "abcd"},
		{in: "abcé", max: 4, want: "abc"},
		{in: "日本語", max: 7, want: "日本"},
		{in: "é", max: 1, want: ""},
	}
	for _, tc := range cases {
		if got := Clip(tc.in, tc.max); got != tc.want {
			t.Fatalf("Clip(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
