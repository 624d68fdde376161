package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/danmuck/fixgate/internal/testutil/tlstest"
)

func TestValidateInitiatorProductionRequiresMutualTLS(t *testing.T) {
	testlog.Start(t)
	cfg := Config{SecurityMode: SecurityModeProduction}
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = false
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateInitiator(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateInitiator(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateAcceptor(t *testing.T) {
	testlog.Start(t)
	if err := (Config{}).ValidateAcceptor(); err != nil {
		t.Fatalf("plain tcp should be valid in development: %v", err)
	}
	if err := (Config{SecurityMode: "staging"}).ValidateAcceptor(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	cfg := Config{TLS: TLSConfig{Enabled: true, Mutual: true, CertFile: "a", KeyFile: "b"}}
	if err := cfg.ValidateAcceptor(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if NormalizeSecurityMode(" Production ") != SecurityModeProduction {
		t.Fatalf("mode should normalize")
	}
}

func TestDisabledTLSYieldsNilConfigs(t *testing.T) {
	testlog.Start(t)
	srv, err := (Config{}).AcceptorTLS()
	if err != nil || srv != nil {
		t.Fatalf("expected nil acceptor config, got %v %v", srv, err)
	}
	cli, err := (Config{}).InitiatorTLS("127.0.0.1:9880")
	if err != nil || cli != nil {
		t.Fatalf("expected nil initiator config, got %v %v", cli, err)
	}
}

func TestMutualTLSHandshake(t *testing.T) {
	testlog.Start(t)
	b := tlstest.Issue(t, t.TempDir())

	acceptor := Config{SecurityMode: SecurityModeProduction, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: b.ServerCert, KeyFile: b.ServerKey, CAFile: b.CAFile,
	}}
	initiator := Config{SecurityMode: SecurityModeProduction, TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: b.ClientCert, KeyFile: b.ClientKey, CAFile: b.CAFile,
	}}

	srvCfg, err := acceptor.AcceptorTLS()
	if err != nil {
		t.Fatalf("acceptor tls: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- err.Error()
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			got <- err.Error()
			return
		}
		got <- string(buf)
	}()

	cliCfg, err := initiator.InitiatorTLS(ln.Addr().String())
	if err != nil {
		t.Fatalf("initiator tls: %v", err)
	}
	if cliCfg.ServerName != "127.0.0.1" {
		t.Fatalf("server name should come from the address, got %q", cliCfg.ServerName)
	}
	conn, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("8=FIX")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := <-got; msg != "8=FIX" {
		t.Fatalf("unexpected server read: %q", msg)
	}
}

func TestAcceptorRejectsClientWithoutCertificate(t *testing.T) {
	testlog.Start(t)
	b := tlstest.Issue(t, t.TempDir())
	srvCfg, err := Config{TLS: TLSConfig{
		Enabled: true, Mutual: true, CertFile: b.ServerCert, KeyFile: b.ServerKey, CAFile: b.CAFile,
	}}.AcceptorTLS()
	if err != nil {
		t.Fatalf("acceptor tls: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	cliCfg, err := Config{TLS: TLSConfig{Enabled: true, CAFile: b.CAFile}}.InitiatorTLS(ln.Addr().String())
	if err != nil {
		t.Fatalf("initiator tls: %v", err)
	}
	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := tls.Client(raw, cliCfg)
	defer conn.Close()
	err = conn.Handshake()
	if err == nil {
		// TLS 1.3 reports the missing certificate on first read.
		_, err = conn.Read(make([]byte, 1))
	}
	if err == nil {
		t.Fatalf("expected handshake failure without client certificate")
	}
}
