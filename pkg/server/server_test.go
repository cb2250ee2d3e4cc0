package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
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

	"github.com/pmkol/analysis-gateway/pkg/gateway"
	H "github.com/pmkol/analysis-gateway/pkg/server/http_handler"
	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

type stubGateway struct{}

func (stubGateway) Analyze(context.Context, gateway.Category, []byte) (*gateway.Result, error) {
	return &gateway.Result{Body: []byte(`{"ok":true}`), Cache: gateway.CacheMiss}, nil
}

func (stubGateway) PassThrough(context.Context, string, []byte, string) (*upstream.Response, error) {
	return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
}

func (stubGateway) Info() gateway.Info { return gateway.Info{Name: "analysis-gateway"} }

type stubHealth struct{}

func (stubHealth) Check(context.Context) ([]byte, error) { return []byte(`{"status":"healthy"}`), nil }

func newTestHandler(t *testing.T) *H.Handler {
	t.Helper()
	h, err := H.NewHandler(H.HandlerOpts{Gateway: stubGateway{}, Health: stubHealth{}})
	require.NoError(t, err)
	return h
}

func generateCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0o600))
	return certFile, keyFile
}

func startServer(t *testing.T, s *Server, serve func(net.Listener) error) (addr string, done <-chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- serve(l) }()
	return l.Addr().String(), errc
}

func TestServer_ServeHTTP(t *testing.T) {
	s := NewServer(ServerOpts{HttpHandler: newTestHandler(t)})
	addr, done := startServer(t, s, s.ServeHTTP)

	var res *http.Response
	require.Eventually(t, func() bool {
		var err error
		res, err = http.Post("http://"+addr+"/api/sentiment", "application/json", nil)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(b))
	assert.Equal(t, "miss", res.Header.Get("X-Cache"))

	s.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, s.Closed())
}

func TestServer_ServeHTTPS(t *testing.T) {
	certFile, keyFile := generateCert(t, t.TempDir())
	s := NewServer(ServerOpts{HttpHandler: newTestHandler(t), Cert: certFile, Key: keyFile, KeyDir: t.TempDir()})
	defer s.Close()
	addr, _ := startServer(t, s, s.ServeHTTPS)

	c := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	var res *http.Response
	require.Eventually(t, func() bool {
		var err error
		res, err = c.Get("https://" + addr + "/api/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.JSONEq(t, `{"status":"healthy"}`, string(b))
}

func TestServer_missingCert(t *testing.T) {
	s := NewServer(ServerOpts{HttpHandler: newTestHandler(t)})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, s.ServeHTTPS(l))
}

func TestServer_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeHTTP(l), errMissingHTTPHandler)
}

func TestServer_closedBeforeServe(t *testing.T) {
	s := NewServer(ServerOpts{HttpHandler: newTestHandler(t)})
	s.Close()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeHTTP(l), ErrServerClosed)
}

func TestServer_persistentKeys(t *testing.T) {
	dir := t.TempDir()
	k1 := NewServer(ServerOpts{KeyDir: dir}).keys()
	k2 := NewServer(ServerOpts{KeyDir: dir}).keys()
	assert.Equal(t, k1.sessionTicket, k2.sessionTicket)
	assert.Equal(t, k1.statelessReset, k2.statelessReset)

	k3 := NewServer(ServerOpts{}).keys()
	assert.NotEqual(t, k1.sessionTicket, k3.sessionTicket)
}

func TestNewStdHandler(t *testing.T) {
	srv := httptest.NewServer(NewStdHandler(newTestHandler(t)))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}
