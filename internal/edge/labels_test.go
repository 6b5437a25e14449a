package edge

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestLabelsRouting(t *testing.T) {
	g := NewGenerator(Config{BaseDomain: "preview.test"})

	labels, err := g.Labels("pr-42", "acme", "api", 8080, "")
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}

	want := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers.pr-42-api.rule":                          "Host(`pr-42-acme.api.preview.test`)",
		"traefik.http.routers.pr-42-api.entrypoints":                   "websecure",
		"traefik.http.services.pr-42-api.loadbalancer.server.port":     "8080",
		"warden.managed": "true",
		"warden.preview": "pr-42",
		"warden.service": "api",
		"warden.owner":   "acme",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("labels[%q] = %q, want %q", k, labels[k], v)
		}
	}
	if _, ok := labels["traefik.http.routers.pr-42-api.tls"]; ok {
		t.Error("TLS label present with TLS off")
	}
	if _, ok := labels["traefik.http.routers.pr-42-api.middlewares"]; ok {
		t.Error("auth middleware present without a password")
	}
}

func TestLabelsTLS(t *testing.T) {
	g := NewGenerator(Config{BaseDomain: "preview.test", TLS: true, CertResolver: "letsencrypt"})

	labels, err := g.Labels("pr-1", "acme", "web", 3000, "")
	if err != nil {
		t.Fatal(err)
	}
	if labels["traefik.http.routers.pr-1-web.tls"] != "true" {
		t.Error("missing tls label")
	}
	if labels["traefik.http.routers.pr-1-web.tls.certresolver"] != "letsencrypt" {
		t.Errorf("certresolver = %q", labels["traefik.http.routers.pr-1-web.tls.certresolver"])
	}
}

func TestLabelsBasicAuth(t *testing.T) {
	g := NewGenerator(Config{BaseDomain: "preview.test"})

	labels, err := g.Labels("pr-2", "acme", "api", 8080, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if labels["traefik.http.routers.pr-2-api.middlewares"] != "pr-2-api-auth" {
		t.Errorf("middlewares = %q", labels["traefik.http.routers.pr-2-api.middlewares"])
	}

	users := labels["traefik.http.middlewares.pr-2-api-auth.basicauth.users"]
	user, hash, ok := strings.Cut(users, ":")
	if !ok || user != "preview" {
		t.Fatalf("basicauth user entry = %q", users)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not verify against password: %v", err)
	}
}

func TestLabelsGlobalPasswordProtect(t *testing.T) {
	g := NewGenerator(Config{
		BaseDomain:       "preview.test",
		PasswordProtect:  true,
		FallbackPassword: "fallback1",
	})

	labels, err := g.Labels("pr-3", "acme", "api", 8080, "")
	if err != nil {
		t.Fatal(err)
	}
	users := labels["traefik.http.middlewares.pr-3-api-auth.basicauth.users"]
	if users == "" {
		t.Fatal("expected basicauth entry from fallback password")
	}
	_, hash, _ := strings.Cut(users, ":")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("fallback1")); err != nil {
		t.Errorf("hash does not verify against fallback password: %v", err)
	}
}

func TestExternalURL(t *testing.T) {
	plain := NewGenerator(Config{BaseDomain: "preview.test"})
	if got := plain.ExternalURL("pr-42", "acme", "api"); got != "http://pr-42-acme.api.preview.test" {
		t.Errorf("ExternalURL = %q", got)
	}

	tls := NewGenerator(Config{BaseDomain: "preview.test", TLS: true})
	if got := tls.ExternalURL("branch-main", "acme", "web"); got != "https://branch-main-acme.web.preview.test" {
		t.Errorf("ExternalURL = %q", got)
	}
}

func TestLabelsSanitisesServiceName(t *testing.T) {
	g := NewGenerator(Config{BaseDomain: "preview.test"})

	labels, err := g.Labels("pr-4", "acme", "My API", 8080, "")
	if err != nil {
		t.Fatal(err)
	}
	if labels["traefik.http.routers.pr-4-my-api.rule"] == "" {
		t.Errorf("expected sanitised router name, got labels %v", labels)
	}
	// The service management label keeps the caller's name verbatim.
	if labels["warden.service"] != "My API" {
		t.Errorf("warden.service = %q", labels["warden.service"])
	}
}
