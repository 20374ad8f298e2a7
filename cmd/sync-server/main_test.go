package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/domain/conflict"
	"github.com/ehr/sync/internal/domain/syncjob"
	"github.com/ehr/sync/internal/domain/transform"
	"github.com/ehr/sync/internal/domain/webhook"
)

func writeConnectionsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write connections file: %v", err)
	}
	return path
}

func TestLoadConnections_RegistersConnectionsAndSecrets(t *testing.T) {
	path := writeConnectionsFile(t, `[
		{
			"id": "conn-1",
			"provider": "acme",
			"active": true,
			"strategy": "MANUAL",
			"strict_transform": true,
			"webhook_secret": "s3cret",
			"webhook_algo": "sha512"
		},
		{
			"id": "conn-2",
			"provider": "other",
			"active": false
		}
	]`)

	conns := syncjob.NewConnectionRegistry()
	secrets := webhook.NewSecretStore()
	if err := loadConnections(path, conns, secrets, zerolog.Nop()); err != nil {
		t.Fatalf("loadConnections: %v", err)
	}

	conn, err := conns.Get("conn-1")
	if err != nil {
		t.Fatalf("Get conn-1: %v", err)
	}
	if conn.Provider != "acme" {
		t.Errorf("expected provider acme, got %s", conn.Provider)
	}
	if conn.Strategy != conflict.Manual {
		t.Errorf("expected MANUAL strategy, got %s", conn.Strategy)
	}
	if !conn.StrictTransform {
		t.Error("expected strict transform")
	}

	// conn-2 omitted strategy: defaults to LAST_WRITE_WINS
	conn2, err := conns.Get("conn-2")
	if err != nil {
		t.Fatalf("Get conn-2: %v", err)
	}
	if conn2.Strategy != conflict.LastWriteWins {
		t.Errorf("expected default LAST_WRITE_WINS strategy, got %s", conn2.Strategy)
	}
	if conn2.Active {
		t.Error("expected conn-2 inactive")
	}

	// Secret registered under sha512
	sig := webhook.SignPayload([]byte("body"), "s3cret", webhook.AlgoSHA512)
	if err := secrets.Verify("acme", []byte("body"), sig); err != nil {
		t.Errorf("expected sha512 secret registered for acme: %v", err)
	}
}

func TestLoadConnections_MissingFileIsNotAnError(t *testing.T) {
	conns := syncjob.NewConnectionRegistry()
	secrets := webhook.NewSecretStore()
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	if err := loadConnections(path, conns, secrets, zerolog.Nop()); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
	if got := len(conns.List()); got != 0 {
		t.Errorf("expected empty registry, got %d connections", got)
	}
}

func TestLoadConnections_RejectsUnknownStrategy(t *testing.T) {
	path := writeConnectionsFile(t, `[
		{"id": "conn-1", "provider": "acme", "active": true, "strategy": "COIN_FLIP"}
	]`)

	conns := syncjob.NewConnectionRegistry()
	secrets := webhook.NewSecretStore()
	if err := loadConnections(path, conns, secrets, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestLoadConnections_RejectsMalformedJSON(t *testing.T) {
	path := writeConnectionsFile(t, `{not json`)

	conns := syncjob.NewConnectionRegistry()
	secrets := webhook.NewSecretStore()
	if err := loadConnections(path, conns, secrets, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestProvidersWithoutRules(t *testing.T) {
	ctx := context.Background()
	rules := transform.NewInMemoryRuleRepo()
	if err := rules.Create(ctx, &transform.Rule{
		Provider:    "mapped",
		EntityType:  transform.EntityPatient,
		Kind:        transform.KindMap,
		SourceField: "dob",
		TargetField: "dateOfBirth",
	}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	conns := syncjob.NewConnectionRegistry()
	conns.Register(&syncjob.Connection{ID: "c1", Provider: "mapped", Active: true})
	conns.Register(&syncjob.Connection{ID: "c2", Provider: "unmapped", Active: true})
	conns.Register(&syncjob.Connection{ID: "c3", Provider: "inactive-unmapped", Active: false})

	missing, err := providersWithoutRules(ctx, rules, conns)
	if err != nil {
		t.Fatalf("providersWithoutRules: %v", err)
	}
	if len(missing) != 1 || missing[0] != "unmapped" {
		t.Fatalf("missing = %v, want [unmapped]", missing)
	}
}
