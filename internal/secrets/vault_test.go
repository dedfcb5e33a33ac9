package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, handler http.HandlerFunc, cfg VaultConfig) *Vault {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if cfg.Address == "" {
		cfg.Address = srv.URL
	}
	v, err := NewVault(cfg)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func TestResolver_Literal(t *testing.T) {
	r := NewResolver()
	for _, v := range []string{"sk-plain", "https://api.example.com", "postgres://u:p@db/crucible"} {
		got, err := r.Resolve(context.Background(), v)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", v, err)
		}
		if got != v {
			t.Errorf("Resolve(%q) = %q, want it unchanged", v, got)
		}
		if r.IsReference(v) {
			t.Errorf("IsReference(%q) = true", v)
		}
	}
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("CRUCIBLE_TEST_SECRET", "from-env")
	r := NewResolver()

	got, err := r.Resolve(context.Background(), "env://CRUCIBLE_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "from-env" {
		t.Errorf("got %q, want from-env", got)
	}

	t.Setenv("CRUCIBLE_TEST_MISSING", "")
	if _, err := r.Resolve(context.Background(), "env://CRUCIBLE_TEST_MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing env: err = %v, want ErrSecretNotFound", err)
	}
}

func TestResolver_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver()

	got, err := r.Resolve(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "from-file" {
		t.Errorf("got %q, want from-file", got)
	}

	_, err = r.Resolve(context.Background(), "file://"+filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("absent file: err = %v, want ErrSecretNotFound", err)
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("CRUCIBLE_TEST_A", "a")
	a, b, empty := "env://CRUCIBLE_TEST_A", "literal", ""
	if err := NewResolver().ResolveAll(context.Background(), &a, &b, &empty, nil); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if a != "a" || b != "literal" || empty != "" {
		t.Errorf("got a=%q b=%q empty=%q", a, b, empty)
	}
}

func TestVault_ResolveField(t *testing.T) {
	clearVaultEnv(t)
	v := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/crucible" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Response(map[string]any{"anthropic": "sk-ant", "port": 5432}))
	}, VaultConfig{Token: "test-token"})

	r := NewResolver(v)
	got, err := r.Resolve(context.Background(), "vault://secret/data/crucible#anthropic")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-ant" {
		t.Errorf("got %q, want sk-ant", got)
	}

	if _, err := r.Resolve(context.Background(), "vault://secret/data/crucible#openai"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing field: err = %v, want ErrSecretNotFound", err)
	}
	if _, err := r.Resolve(context.Background(), "vault://secret/data/crucible#port"); err == nil {
		t.Error("expected error for non-string field")
	}
	if _, err := r.Resolve(context.Background(), "vault://secret/data/other#k"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unknown path: err = %v, want ErrSecretNotFound", err)
	}
	if _, err := r.Resolve(context.Background(), "vault://secret/data/crucible"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("no field: err = %v, want ErrSecretNotFound", err)
	}
}

func TestVault_Forbidden(t *testing.T) {
	clearVaultEnv(t)
	v := newVault(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, VaultConfig{Token: "bad"})

	_, err := v.Resolve(context.Background(), "secret/data/crucible#k")
	if err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want access denied", err)
	}
}

func TestVault_EnvOverride(t *testing.T) {
	var gotNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		gotNamespace = r.Header.Get("X-Vault-Namespace")
		w.Write(kvV2Response(map[string]any{"k": "v"}))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "team-a")

	v, err := NewVault(VaultConfig{Address: "http://should-be-overridden:8200", Token: "config-token", Namespace: "config-ns"})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	got, err := v.Resolve(context.Background(), "secret/data/test#k")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v" {
		t.Errorf("got %q, want v", got)
	}
	if gotNamespace != "team-a" {
		t.Errorf("namespace header = %q, want team-a", gotNamespace)
	}
}

func TestVault_EmptyEnvKeepsConfig(t *testing.T) {
	clearVaultEnv(t)
	v, err := NewVault(VaultConfig{Address: "http://vault.internal:8200/", Token: "config-token", Namespace: "config-ns"})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if v.address != "http://vault.internal:8200" {
		t.Errorf("address = %q, want the configured address", v.address)
	}
	if v.token != "config-token" {
		t.Errorf("token = %q, want config-token", v.token)
	}
	if v.namespace != "config-ns" {
		t.Errorf("namespace = %q, want config-ns", v.namespace)
	}
}

func TestNewVault_Missing(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVault(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error for missing address")
	}
	if _, err := NewVault(VaultConfig{Address: "http://localhost:8200"}); err == nil {
		t.Error("expected error for missing token")
	}
}
