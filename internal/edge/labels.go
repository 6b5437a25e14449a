// Package edge computes the Traefik-compatible label map attached to each
// preview container. The edge router watches the Docker socket and reads
// these labels to configure host-based routing; no router reload is needed.
package edge

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
)

// Management labels the reconciler uses for orphan detection.
const (
	LabelManaged = "warden.managed"
	LabelPreview = "warden.preview"
	LabelService = "warden.service"
	LabelOwner   = "warden.owner"
)

// basicAuthUser is the username of the generated basic-auth credential.
const basicAuthUser = "preview"

const bcryptCost = 12

// Config holds the deployment-wide routing settings.
type Config struct {
	BaseDomain       string
	TLS              bool
	CertResolver     string
	PasswordProtect  bool   // force basic-auth on every preview
	FallbackPassword string // used when PasswordProtect is on and the preview has none
}

// Generator produces label maps and external URLs for preview services.
type Generator struct {
	cfg Config
}

// NewGenerator creates a Generator from routing configuration.
func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// ExternalHost returns the public hostname a service is routed on.
func (g *Generator) ExternalHost(previewID, repoOwner, service string) string {
	return naming.ExternalHost(previewID, repoOwner, service, g.cfg.BaseDomain)
}

// ExternalURL returns the public URL of a service: https when TLS is on,
// http otherwise.
func (g *Generator) ExternalURL(previewID, repoOwner, service string) string {
	proto := "http"
	if g.cfg.TLS {
		proto = "https"
	}
	return proto + "://" + g.ExternalHost(previewID, repoOwner, service)
}

// Labels computes the full label map for one service's container: routing
// rule, entrypoint, load-balancer port, management labels, and optional
// TLS and basic-auth middleware.
func (g *Generator) Labels(previewID, repoOwner, service string, port int, password string) (map[string]string, error) {
	router := previewID + "-" + naming.Sanitize(service)
	host := g.ExternalHost(previewID, repoOwner, service)

	labels := map[string]string{
		"traefik.enable": "true",
		"traefik.http.routers." + router + ".rule":                           fmt.Sprintf("Host(`%s`)", host),
		"traefik.http.routers." + router + ".entrypoints":                    "websecure",
		"traefik.http.services." + router + ".loadbalancer.server.port":      fmt.Sprintf("%d", port),
		LabelManaged: "true",
		LabelPreview: previewID,
		LabelService: service,
		LabelOwner:   repoOwner,
	}

	if g.cfg.TLS {
		labels["traefik.http.routers."+router+".tls"] = "true"
		labels["traefik.http.routers."+router+".tls.certresolver"] = g.cfg.CertResolver
	}

	if password == "" && g.cfg.PasswordProtect {
		password = g.cfg.FallbackPassword
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash preview password: %w", err)
		}
		middleware := router + "-auth"
		labels["traefik.http.middlewares."+middleware+".basicauth.users"] = basicAuthUser + ":" + string(hash)
		labels["traefik.http.routers."+router+".middlewares"] = middleware
	}

	return labels, nil
}
