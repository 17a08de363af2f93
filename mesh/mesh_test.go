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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeju-network/dws/common/mclock"
)

func newTestMesh(t *testing.T) (*Mesh, *mclock.Simulated) {
	t.Helper()
	clock := new(mclock.Simulated)
	m, err := New(Config{}, clock)
	require.NoError(t, err)
	return m, clock
}

func register(t *testing.T, m *Mesh, name, namespace string, tags ...string) *Identity {
	t.Helper()
	svc, err := m.RegisterService(&Identity{Name: name, Namespace: namespace, Tags: tags})
	require.NoError(t, err)
	return svc
}

func TestServiceIDDeterministic(t *testing.T) {
	id := ServiceID("prod", "api")
	require.Len(t, id, serviceIDLen)
	require.Equal(t, id, ServiceID("prod", "api"))
	require.NotEqual(t, id, ServiceID("prod", "web"))
	// The separator keeps (ns, name) splits distinct.
	require.NotEqual(t, ServiceID("a", "b/c"), ServiceID("a/b", "c"))
}

func TestRegisterAndDiscover(t *testing.T) {
	m, _ := newTestMesh(t)

	svc := register(t, m, "api", "prod", "edge")
	require.Equal(t, ServiceID("prod", "api"), svc.ID)

	_, err := m.RegisterService(&Identity{Name: "api", Namespace: "prod"})
	require.ErrorIs(t, err, ErrServiceExists)

	got, err := m.DiscoverService("api", "prod")
	require.NoError(t, err)
	require.Equal(t, svc.ID, got.ID)

	_, err = m.DiscoverService("api", "staging")
	require.ErrorIs(t, err, ErrServiceNotFound)

	byID, err := m.ServiceByID(svc.ID)
	require.NoError(t, err)
	require.Equal(t, "api", byID.Name)
}

func TestListServicesSelector(t *testing.T) {
	m, _ := newTestMesh(t)
	register(t, m, "api", "prod", "edge", "public")
	register(t, m, "worker", "prod", "internal")
	register(t, m, "api", "staging", "edge")

	require.Len(t, m.ListServices(nil), 3)
	require.Len(t, m.ListServices(&Selector{Namespace: "prod"}), 2)
	require.Len(t, m.ListServices(&Selector{Name: "api"}), 2)
	require.Len(t, m.ListServices(&Selector{Tags: []string{"edge", "public"}}), 1)
	require.Empty(t, m.ListServices(&Selector{Namespace: "prod", Name: "missing"}))
}

func TestCheckAccessDefaultDeny(t *testing.T) {
	m, _ := newTestMesh(t)
	src := register(t, m, "web", "prod")
	dst := register(t, m, "api", "prod")

	d := m.CheckAccess(src, dst, &AccessRequest{Method: "GET", Path: "/v1"})
	require.False(t, d.Allowed)
	require.Empty(t, d.PolicyID)
}

func TestCheckAccessPriorityOrder(t *testing.T) {
	m, _ := newTestMesh(t)
	src := register(t, m, "web", "prod")
	dst := register(t, m, "api", "prod")

	require.NoError(t, m.AddPolicy(&AccessPolicy{
		ID: "allow-all", Action: ActionAllow, Priority: 10,
		Destination: &Selector{Name: "api"},
	}))
	require.NoError(t, m.AddPolicy(&AccessPolicy{
		ID: "deny-admin", Action: ActionDeny, Priority: 100,
		Destination: &Selector{Name: "api"},
		Conditions:  []Condition{{Field: "path", Match: MatchContains, Value: "/admin"}},
	}))

	d := m.CheckAccess(src, dst, &AccessRequest{Method: "GET", Path: "/admin/users"})
	require.False(t, d.Allowed)
	require.Equal(t, "deny-admin", d.PolicyID)

	d = m.CheckAccess(src, dst, &AccessRequest{Method: "GET", Path: "/v1"})
	require.True(t, d.Allowed)
	require.Equal(t, "allow-all", d.PolicyID)
}

func TestCheckAccessConditions(t *testing.T) {
	m, _ := newTestMesh(t)
	src := register(t, m, "web", "prod")
	dst := register(t, m, "api", "prod")

	require.NoError(t, m.AddPolicy(&AccessPolicy{
		ID: "strict", Action: ActionAllow, Priority: 1,
		Conditions: []Condition{
			{Field: "method", Match: MatchExact, Value: "POST"},
			{Field: "path", Match: MatchRegex, Value: `^/v[0-9]+/jobs$`},
			{Field: "header", Header: "X-Trace-Id", Match: MatchExists},
		},
	}))

	req := &AccessRequest{
		Method:  "POST",
		Path:    "/v2/jobs",
		Headers: map[string]string{"x-trace-id": "abc"},
	}
	require.True(t, m.CheckAccess(src, dst, req).Allowed)

	req.Method = "GET"
	require.False(t, m.CheckAccess(src, dst, req).Allowed)

	req.Method = "POST"
	req.Headers = nil
	require.False(t, m.CheckAccess(src, dst, req).Allowed)
}

func TestCheckAccessSelectorScoping(t *testing.T) {
	m, _ := newTestMesh(t)
	web := register(t, m, "web", "prod")
	other := register(t, m, "batch", "staging")
	dst := register(t, m, "api", "prod")

	require.NoError(t, m.AddPolicy(&AccessPolicy{
		ID: "prod-only", Action: ActionAllow, Priority: 1,
		Source:      &Selector{Namespace: "prod"},
		Destination: &Selector{Name: "api"},
	}))

	require.True(t, m.CheckAccess(web, dst, nil).Allowed)
	require.False(t, m.CheckAccess(other, dst, nil).Allowed)
}

func TestGenerateCertificate(t *testing.T) {
	m, _ := newTestMesh(t)
	svc := register(t, m, "api", "prod")

	cert, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)
	require.Equal(t, svc.ID, cert.ServiceID)
	require.Contains(t, string(cert.CertPEM), "BEGIN CERTIFICATE")
	require.Contains(t, string(cert.KeyPEM), "BEGIN EC PRIVATE KEY")

	id, err := m.VerifyCertificate(cert.CertPEM, nil)
	require.NoError(t, err)
	require.Equal(t, svc.ID, id.ID)

	_, err = m.GenerateCertificate("ffff")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestCertificateReuseWindow(t *testing.T) {
	m, clock := newTestMesh(t)
	svc := register(t, m, "api", "prod")

	first, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)

	// Well inside the validity, the cached leaf is returned.
	clock.Run(30 * 24 * time.Hour)
	second, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)
	require.Equal(t, first.CertPEM, second.CertPEM)

	// With less than a day of validity left, a fresh leaf is issued.
	clock.Run(335 * 24 * time.Hour)
	third, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.CertPEM, third.CertPEM)
}

func TestVerifyCertificateRejectsForeign(t *testing.T) {
	m, _ := newTestMesh(t)
	register(t, m, "api", "prod")

	other, err := New(Config{}, new(mclock.Simulated))
	require.NoError(t, err)
	svc, err := other.RegisterService(&Identity{Name: "api", Namespace: "prod"})
	require.NoError(t, err)
	foreign, err := other.GenerateCertificate(svc.ID)
	require.NoError(t, err)

	// Force our own CA into existence, then check the foreign leaf.
	_, err = m.CAPEM()
	require.NoError(t, err)
	_, err = m.VerifyCertificate(foreign.CertPEM, nil)
	require.ErrorIs(t, err, ErrCertificateInvalid)
}

func TestVerifyCertificateExpectedSelector(t *testing.T) {
	m, _ := newTestMesh(t)
	svc := register(t, m, "api", "prod")
	cert, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)

	_, err = m.VerifyCertificate(cert.CertPEM, &Selector{Namespace: "prod"})
	require.NoError(t, err)
	_, err = m.VerifyCertificate(cert.CertPEM, &Selector{Namespace: "staging"})
	require.ErrorIs(t, err, ErrCertificateInvalid)
}

func TestVerifyCertificateExpiry(t *testing.T) {
	m, clock := newTestMesh(t)
	svc := register(t, m, "api", "prod")
	cert, err := m.GenerateCertificate(svc.ID)
	require.NoError(t, err)

	clock.Run(leafValidity + time.Hour)
	_, err = m.VerifyCertificate(cert.CertPEM, nil)
	require.ErrorIs(t, err, ErrCertificateInvalid)
}

func TestOperatorCAAdoption(t *testing.T) {
	// Export the self-generated CA of one mesh and adopt it in another.
	seed, err := New(Config{}, new(mclock.Simulated))
	require.NoError(t, err)
	caPEM, err := seed.CAPEM()
	require.NoError(t, err)

	_, err = New(Config{CACertPEM: caPEM, CAKeyPEM: []byte("junk")}, nil)
	require.Error(t, err)
}
