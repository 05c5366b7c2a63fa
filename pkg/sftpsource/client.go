// Package sftpsource reads delimited files from a remote host over SFTP.
// Host keys are checked against a known_hosts file; unknown hosts are
// rejected.
package sftpsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
)

// Config holds connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// KnownHosts is the known_hosts file. Empty uses ~/.ssh/known_hosts.
	KnownHosts string `yaml:"known_hosts"`

	Timeout time.Duration `yaml:"timeout"`
}

// Addr returns host:port, defaulting the port to 22.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DefaultKnownHosts returns the current user's known_hosts path.
func DefaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Client is an open SFTP session.
type Client struct {
	conn   *ssh.Client
	sftp   *sftp.Client
	logger zerolog.Logger
}

// Dial connects and starts the sftp subsystem.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("sftpsource: host and user are required")
	}
	path := cfg.KnownHosts
	if path == "" {
		path = DefaultKnownHosts()
	}
	hostKeys, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("sftpsource: known hosts: %w", err)
	}

	addr := cfg.Addr()
	d := net.Dialer{Timeout: cfg.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftpsource: dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("sftpsource: handshake %s: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	fc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftpsource: start sftp: %w", err)
	}
	logger = logger.With().Str("component", "sftp").Str("host", addr).Logger()
	logger.Debug().Msg("Connected")
	return &Client{conn: conn, sftp: fc, logger: logger}, nil
}

// Close ends the session.
func (c *Client) Close() error {
	err := c.sftp.Close()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadCSV downloads the file at path and parses it as CSV with a header.
// A cancelled ctx closes the session to abort the transfer.
func (c *Client) ReadCSV(ctx context.Context, path string) (*aggregate.Dataset, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	f, err := c.sftp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sftpsource: open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	// WriteTo issues concurrent reads ahead of the consumer.
	n, err := f.WriteTo(&buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sftpsource: read %s: %w", path, err)
	}
	c.logger.Info().Str("path", path).Int64("bytes", n).Msg("File read")
	return aggregate.ReadCSV(&buf)
}

// FetchCollection returns the records of the CSV file at path.
func (c *Client) FetchCollection(ctx context.Context, path, _ string) ([]aggregate.Record, error) {
	ds, err := c.ReadCSV(ctx, path)
	if err != nil {
		return nil, err
	}
	return ds.Records, nil
}

// ReadCSV dials, reads one file and disconnects.
func ReadCSV(ctx context.Context, cfg Config, path string, logger zerolog.Logger) (*aggregate.Dataset, error) {
	c, err := Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.ReadCSV(ctx, path)
}
