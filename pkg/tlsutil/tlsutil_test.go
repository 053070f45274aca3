package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idompolo/call-agent-sub001/pkg/security"
)

type keyPair struct {
	cert, key string
}

// writeSelfSigned writes a self-signed certificate usable as server cert,
// client cert and its own CA.
func writeSelfSigned(t *testing.T, dir, cn string) keyPair {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"dispatch"}},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	kp := keyPair{cert: filepath.Join(dir, cn+".crt"), key: filepath.Join(dir, cn+".key")}
	require.NoError(t, os.WriteFile(kp.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(kp.key,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}), 0o600))
	return kp
}

func TestServer(t *testing.T) {
	dir := t.TempDir()
	srv := writeSelfSigned(t, dir, "bridge")
	ca := writeSelfSigned(t, dir, "agent-7")

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
		check   func(*testing.T, *tls.Config)
	}{
		{name: "disabled", wantNil: true},
		{
			name: "plain tls 1.3",
			cfg:  security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: srv.key, MinVersion: "1.3"},
			check: func(t *testing.T, tc *tls.Config) {
				assert.Len(t, tc.Certificates, 1)
				assert.Equal(t, uint16(tls.VersionTLS13), tc.MinVersion)
				assert.Equal(t, tls.NoClientCert, tc.ClientAuth)
				assert.Nil(t, tc.ClientCAs)
			},
		},
		{
			name: "optional client cert",
			cfg: security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: srv.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{ca.cert}}},
			check: func(t *testing.T, tc *tls.Config) {
				assert.Equal(t, tls.VerifyClientCertIfGiven, tc.ClientAuth)
				assert.NotNil(t, tc.ClientCAs)
				assert.Nil(t, tc.VerifyPeerCertificate)
			},
		},
		{
			name: "required client cert with CN list",
			cfg: security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: srv.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{ca.cert},
					RequireClientCert: true, AllowedClientCNs: []string{"agent-7"}}},
			check: func(t *testing.T, tc *tls.Config) {
				assert.Equal(t, tls.RequireAndVerifyClientCert, tc.ClientAuth)
				assert.NotNil(t, tc.VerifyPeerCertificate)
			},
		},
		{
			name:    "missing key",
			cfg:     security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: filepath.Join(dir, "none.key")},
			wantErr: true,
		},
		{
			name: "missing client CA",
			cfg: security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: srv.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{filepath.Join(dir, "none.crt")}}},
			wantErr: true,
		},
		{
			name: "client CA is not PEM",
			cfg: security.ServerTLSConfig{Enabled: true, CertFile: srv.cert, KeyFile: srv.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{srv.key}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := Server(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, tc)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tc)
				return
			}
			require.NotNil(t, tc)
			if tt.check != nil {
				tt.check(t, tc)
			}
		})
	}
}

func TestClient(t *testing.T) {
	dir := t.TempDir()
	kp := writeSelfSigned(t, dir, "agent-7")

	tc, err := Client(security.ClientTLSConfig{})
	require.NoError(t, err)
	assert.NotNil(t, tc.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), tc.MinVersion)
	assert.False(t, tc.InsecureSkipVerify)
	assert.Empty(t, tc.Certificates)

	tc, err = Client(security.ClientTLSConfig{
		CAFiles:    []string{kp.cert},
		MinVersion: "1.3",
		MTLS:       security.ClientMTLSConfig{Enabled: true, CertFile: kp.cert, KeyFile: kp.key},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), tc.MinVersion)
	assert.Len(t, tc.Certificates, 1)

	_, err = Client(security.ClientTLSConfig{CAFiles: []string{filepath.Join(dir, "none.crt")}})
	assert.Error(t, err)

	_, err = Client(security.ClientTLSConfig{MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: kp.cert}})
	assert.Error(t, err)
}

func TestMinVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), minVersion("1.3"))
	for _, v := range []string{"", "1.2", "1.1", "tls13"} {
		assert.Equal(t, uint16(tls.VersionTLS12), minVersion(v), v)
	}
}

func TestCheckClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "agent-7"}}
	assert.NoError(t, checkClientCN([][]*x509.Certificate{{leaf}}, []string{"agent-3", "agent-7"}))
	assert.Error(t, checkClientCN([][]*x509.Certificate{{leaf}}, []string{"agent-3"}))
	assert.Error(t, checkClientCN(nil, []string{"agent-7"}))
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	srv := writeSelfSigned(t, dir, "bridge")
	allowed := writeSelfSigned(t, dir, "agent-7")
	other := writeSelfSigned(t, dir, "agent-9")

	serverTLS, err := Server(security.ServerTLSConfig{
		Enabled: true, CertFile: srv.cert, KeyFile: srv.key,
		MTLS: security.ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{allowed.cert, other.cert},
			RequireClientCert: true,
			AllowedClientCNs:  []string{"agent-7"},
		},
	})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.TLS = serverTLS
	ts.StartTLS()
	t.Cleanup(ts.Close)

	get := func(t *testing.T, client security.ClientMTLSConfig) (*http.Response, error) {
		t.Helper()
		tc, err := Client(security.ClientTLSConfig{CAFiles: []string{srv.cert}, MTLS: client})
		require.NoError(t, err)
		hc := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{TLSClientConfig: tc}}
		return hc.Get(ts.URL)
	}

	t.Run("allowed client", func(t *testing.T) {
		resp, err := get(t, security.ClientMTLSConfig{Enabled: true, CertFile: allowed.cert, KeyFile: allowed.key})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
	t.Run("CN not allowed", func(t *testing.T) {
		_, err := get(t, security.ClientMTLSConfig{Enabled: true, CertFile: other.cert, KeyFile: other.key})
		assert.Error(t, err)
	})
	t.Run("no client cert", func(t *testing.T) {
		_, err := get(t, security.ClientMTLSConfig{})
		assert.Error(t, err)
	})
}
