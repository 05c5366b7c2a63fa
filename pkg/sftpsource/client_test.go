package sftpsource

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testServer is an in-process SSH server offering only the sftp subsystem
// over the local filesystem.
type testServer struct {
	listener net.Listener
	hostKey  ssh.Signer
	config   *ssh.ServerConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "ingest" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{listener: l, hostKey: signer, config: cfg}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testServer) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

func (s *testServer) handle(nc net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if ok {
					go func() {
						srv, err := sftp.NewServer(ch)
						if err != nil {
							ch.Close()
							return
						}
						_ = srv.Serve()
						ch.Close()
					}()
				}
			}
		}()
	}
}

func (s *testServer) clientConfig(t *testing.T, trust bool) Config {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	known := filepath.Join(t.TempDir(), "known_hosts")
	var line string
	if trust {
		line = knownhosts.Line([]string{knownhosts.Normalize(s.listener.Addr().String())}, s.hostKey.PublicKey()) + "\n"
	}
	if err := os.WriteFile(known, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	return Config{Host: host, Port: port, User: "ingest", Password: "secret", KnownHosts: known}
}

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.csv")
	if err := os.WriteFile(path, []byte("id,station,value\n1,north,1.5\n2,south,\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadCSV(t *testing.T) {
	srv := newTestServer(t)
	path := writeCSV(t)

	ds, err := ReadCSV(context.Background(), srv.clientConfig(t, true), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("records = %d, want 2", ds.Len())
	}
	if ds.Columns[0] != "id" || ds.Columns[2] != "value" {
		t.Errorf("Columns = %v", ds.Columns)
	}
	if ds.Records[0]["station"] != "north" || ds.Records[1]["value"] != nil {
		t.Errorf("Records = %v", ds.Records)
	}
}

func TestFetchCollection(t *testing.T) {
	srv := newTestServer(t)
	c, err := Dial(context.Background(), srv.clientConfig(t, true), zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	recs, err := c.FetchCollection(context.Background(), writeCSV(t), "")
	if err != nil || len(recs) != 2 {
		t.Fatalf("FetchCollection() = %d records, %v", len(recs), err)
	}
	if _, err := c.FetchCollection(context.Background(), "/no/such/file.csv", ""); err == nil {
		t.Error("FetchCollection(missing) expected error")
	}
}

func TestDial_Rejections(t *testing.T) {
	srv := newTestServer(t)

	t.Run("unknown host key", func(t *testing.T) {
		if _, err := Dial(context.Background(), srv.clientConfig(t, false), zerolog.Nop()); err == nil {
			t.Error("Dial() to an untrusted host should fail")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		cfg := srv.clientConfig(t, true)
		cfg.Password = "nope"
		if _, err := Dial(context.Background(), cfg, zerolog.Nop()); err == nil {
			t.Error("Dial() with a bad password should fail")
		}
	})

	t.Run("missing host", func(t *testing.T) {
		if _, err := Dial(context.Background(), Config{User: "x"}, zerolog.Nop()); err == nil {
			t.Error("Dial() without host should fail")
		}
	})
}

func TestConfig_Addr(t *testing.T) {
	if got := (Config{Host: "files.example.com"}).Addr(); got != "files.example.com:22" {
		t.Errorf("Addr() = %q", got)
	}
	if got := (Config{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Errorf("Addr() = %q", got)
	}
}
