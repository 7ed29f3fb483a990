// Package kube validates kubeconfig documents and renders deployment
// manifests for projects.
package kube

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidKubeconfig = errors.New("invalid kubeconfig")
	ErrNoContext         = errors.New("kubeconfig has no usable context")
)

// Kubeconfig is the subset of a kubeconfig file needed to reach a cluster.
type Kubeconfig struct {
	Clusters []struct {
		Name    string `yaml:"name"`
		Cluster struct {
			Server                   string `yaml:"server"`
			CertificateAuthorityData string `yaml:"certificate-authority-data"`
			InsecureSkipTLSVerify    bool   `yaml:"insecure-skip-tls-verify"`
		} `yaml:"cluster"`
	} `yaml:"clusters"`
	Contexts []struct {
		Name    string `yaml:"name"`
		Context struct {
			Cluster   string `yaml:"cluster"`
			User      string `yaml:"user"`
			Namespace string `yaml:"namespace"`
		} `yaml:"context"`
	} `yaml:"contexts"`
	Users []struct {
		Name string `yaml:"name"`
		User struct {
			Token                 string `yaml:"token"`
			ClientCertificateData string `yaml:"client-certificate-data"`
			ClientKeyData         string `yaml:"client-key-data"`
		} `yaml:"user"`
	} `yaml:"users"`
	CurrentContext string `yaml:"current-context"`
}

// Credentials is the resolved connection material of the current context.
type Credentials struct {
	Server    string
	Namespace string
	Token     string
	CA        []byte
	CertPEM   []byte
	KeyPEM    []byte
	Insecure  bool
}

// Parse decodes raw kubeconfig YAML and checks that the clusters, contexts
// and users sections are present.
func Parse(raw string) (*Kubeconfig, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}
	for _, key := range []string{"clusters", "contexts", "users"} {
		if _, ok := doc[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidKubeconfig, key)
		}
	}
	var kc Kubeconfig
	if err := yaml.Unmarshal([]byte(raw), &kc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKubeconfig, err)
	}
	return &kc, nil
}

// Credentials resolves the current context, falling back to the first one.
func (k *Kubeconfig) Credentials() (*Credentials, error) {
	if len(k.Contexts) == 0 {
		return nil, ErrNoContext
	}
	ctx := k.Contexts[0].Context
	for _, c := range k.Contexts {
		if c.Name == k.CurrentContext {
			ctx = c.Context
			break
		}
	}

	creds := &Credentials{Namespace: ctx.Namespace}
	for _, c := range k.Clusters {
		if c.Name != ctx.Cluster {
			continue
		}
		creds.Server = c.Cluster.Server
		creds.Insecure = c.Cluster.InsecureSkipTLSVerify
		if c.Cluster.CertificateAuthorityData != "" {
			ca, err := base64.StdEncoding.DecodeString(c.Cluster.CertificateAuthorityData)
			if err != nil {
				return nil, fmt.Errorf("%w: certificate-authority-data: %v", ErrInvalidKubeconfig, err)
			}
			creds.CA = ca
		}
	}
	for _, u := range k.Users {
		if u.Name != ctx.User {
			continue
		}
		creds.Token = u.User.Token
		var err error
		if creds.CertPEM, err = decodeOptional(u.User.ClientCertificateData); err != nil {
			return nil, fmt.Errorf("%w: client-certificate-data: %v", ErrInvalidKubeconfig, err)
		}
		if creds.KeyPEM, err = decodeOptional(u.User.ClientKeyData); err != nil {
			return nil, fmt.Errorf("%w: client-key-data: %v", ErrInvalidKubeconfig, err)
		}
	}
	return creds, nil
}

func decodeOptional(s string) ([]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// TLSConfig builds the client TLS configuration. The CA from the kubeconfig
// is trusted when present; otherwise the insecure flag is honored.
func (c *Credentials) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(c.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.CA) {
			return nil, fmt.Errorf("%w: certificate authority is not PEM", ErrInvalidKubeconfig)
		}
		cfg.RootCAs = pool
	} else if c.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if len(c.CertPEM) > 0 && len(c.KeyPEM) > 0 {
		cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: client certificate: %v", ErrInvalidKubeconfig, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
