// Package docker adapts the container runtime for preview deployments:
// image pulls with progress, labelled container lifecycle, log tails,
// and pruning, all behind the API interface.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

// Client wraps the runtime API client.
type Client struct {
	api *client.Client
}

// TLSConfig holds certificate paths for reaching a remote runtime over
// mTLS (a docker socket proxy or a tcp:// daemon on another host). All
// three paths must be set.
type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// load reads the certificate files into a tls.Config. ServerName is left
// for the caller, which knows the endpoint hostname.
func (t *TLSConfig) load() (*tls.Config, error) {
	caCert, err := os.ReadFile(t.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", t.CACert, err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", t.CACert)
	}

	clientCert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      certPool,
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// NewClient connects to the runtime at the given unix socket path or
// tcp:// endpoint. A non-nil tlsCfg enables mTLS for tcp endpoints; it is
// ignored for unix sockets.
func NewClient(dockerSock string, tlsCfg *TLSConfig) (*Client, error) {
	var opts []client.Opt

	if strings.HasPrefix(dockerSock, "tcp://") {
		opts = append(opts, client.WithHost(dockerSock))

		if tlsCfg != nil {
			tlsConfig, err := tlsCfg.load()
			if err != nil {
				return nil, fmt.Errorf("configure runtime TLS: %w", err)
			}
			if u, parseErr := url.Parse(dockerSock); parseErr == nil {
				tlsConfig.ServerName = u.Hostname()
			}
			opts = append(opts, client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					TLSClientConfig:       tlsConfig,
					IdleConnTimeout:       90 * time.Second,
					TLSHandshakeTimeout:   10 * time.Second,
					ResponseHeaderTimeout: 30 * time.Second,
				},
			}))
		}
	} else {
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Ping checks that the runtime is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the runtime client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
