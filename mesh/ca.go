// Copyright 2025 The dws Authors
// This file is part of the dws library.
//
// The dws library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dws library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dws library. If not, see <http://www.gnu.org/licenses/>.

package mesh

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	// A cached leaf is reused while this much validity remains.
	reuseValidity = 24 * time.Hour

	meshDomain = ".mesh.dws"
)

var (
	ErrCertificateInvalid = errors.New("certificate invalid")
	errWrongIdentity      = errors.New("certificate identity outside the mesh domain")
)

// Certificate is one issued leaf with its private key.
type Certificate struct {
	ServiceID string `json:"serviceId"`
	CertPEM   []byte `json:"certPem"`
	KeyPEM    []byte `json:"keyPem"`
	NotAfter  int64  `json:"notAfter"` // ms
}

// authority is the process-local CA.
type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

// loadAuthority adopts an operator-supplied CA cert and key pair.
func loadAuthority(certPEM, keyPEM []byte) (*authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("malformed CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("malformed CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.New("CA key does not match certificate")
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &authority{cert: cert, key: key, pool: pool}, nil
}

// newAuthority self-generates a P-256 trust root. The root is valid for
// this process only; production deployments supply the CA.
func newAuthority(now time.Time) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "dws-mesh-ca", Organization: []string{"dws"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &authority{cert: cert, key: key, pool: pool}, nil
}

// CAPEM returns the CA certificate in PEM form for distribution to
// workloads.
func (m *Mesh) CAPEM() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ca, err := m.authorityLocked()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw}), nil
}

// authorityLocked returns the CA, creating the self-signed root on first
// demand.
func (m *Mesh) authorityLocked() (*authority, error) {
	if m.ca != nil {
		return m.ca, nil
	}
	ca, err := newAuthority(m.now())
	if err != nil {
		return nil, fmt.Errorf("generating mesh CA: %w", err)
	}
	m.ca = ca
	m.log.Warn("Self-generated mesh CA, trust root is process-local")
	return ca, nil
}

func (m *Mesh) now() time.Time {
	return time.Unix(0, int64(m.clock.Now()))
}

// GenerateCertificate issues an mTLS leaf for a registered service. A
// cached leaf is returned while it keeps at least 24 h of validity.
func (m *Mesh) GenerateCertificate(serviceID string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	now := m.now()
	if cached, ok := m.certs[serviceID]; ok {
		if time.UnixMilli(cached.NotAfter).Sub(now) >= reuseValidity {
			cpy := *cached
			return &cpy, nil
		}
	}

	ca, err := m.authorityLocked()
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	cn := svc.Name + "." + svc.Namespace + meshDomain
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"dws"}},
		DNSNames:              []string{cn, svc.Name + "." + svc.Namespace, svc.Name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(leafValidity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{
		ServiceID: serviceID,
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		NotAfter:  tmpl.NotAfter.UnixMilli(),
	}
	m.certs[serviceID] = cert
	m.log.Info("Issued mesh certificate", "service", cn, "notAfter", tmpl.NotAfter)
	cpy := *cert
	return &cpy, nil
}

// VerifyCertificate validates a presented leaf against the mesh CA and
// maps it back to a registered service. The expected selector, when
// given, must match the resolved identity.
func (m *Mesh) VerifyCertificate(certPEM []byte, expected *Selector) (*Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: malformed PEM", ErrCertificateInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	m.mu.RLock()
	ca := m.ca
	m.mu.RUnlock()
	if ca == nil {
		return nil, fmt.Errorf("%w: no mesh CA", ErrCertificateInvalid)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       ca.pool,
		CurrentTime: m.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}

	cn := cert.Subject.CommonName
	if !strings.HasSuffix(cn, meshDomain) {
		return nil, errWrongIdentity
	}
	parts := strings.Split(strings.TrimSuffix(cn, meshDomain), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errWrongIdentity
	}
	svc, err := m.DiscoverService(parts[0], parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown service %s", ErrCertificateInvalid, cn)
	}
	if expected != nil && !expected.Matches(svc) {
		return nil, fmt.Errorf("%w: identity does not match expectation", ErrCertificateInvalid)
	}
	return svc, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
