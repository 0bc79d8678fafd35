package smtpx

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Thin abstraction over one SMTP transaction peer. The orchestrator only
// sees Dialer and Connection so tests can swap in fakes.

type Logger interface {
	Logf(format string, args ...interface{})
}

type Auth = smtp.Auth

type Connection interface {
	SendMail(from string, to []string, msg io.WriterTo) error
	Noop() error
	Close() error
	SetLogger(Logger)
}

// Dialer opens a connection to addr (host:port) presenting localName in
// EHLO. The timeout covers the dial and is installed as an IO deadline on
// the socket; a provider that stops responding surfaces as a net timeout
// instead of blocking a worker forever.
type Dialer func(logger Logger, addr, localName string, auth Auth, timeout time.Duration) (Connection, error)

func NewConnection(logger Logger, addr, localName string, auth Auth, timeout time.Duration) (Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	host, _, _ := net.SplitHostPort(addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not create smtp client for %s: %w", addr, err)
	}

	c := &connection{addr: addr, netConn: conn, client: client, timeout: timeout, log: logger}

	if err = client.Hello(localName); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ehlo %s failed: %w", addr, err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err = client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("starttls with %s failed: %w", addr, err)
		}
	}

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("auth with %s failed: %w", addr, err)
		}
	}

	return c, nil
}

type connection struct {
	addr    string
	netConn net.Conn
	client  *smtp.Client
	timeout time.Duration
	log     Logger
}

func (c *connection) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Logf(format, args...)
	}
}

func (c *connection) SetLogger(logger Logger) {
	c.log = logger
}

func (c *connection) SendMail(from string, to []string, msg io.WriterTo) error {
	_ = c.netConn.SetDeadline(time.Now().Add(c.timeout))

	if err := c.client.Mail(from); err != nil {
		return fmt.Errorf("mail from %s rejected: %w", from, err)
	}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s rejected: %w", rcpt, err)
		}
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("data rejected: %w", err)
	}
	_, err = msg.WriteTo(w)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("could not write message: %w", err)
	}
	err = w.Close()
	if err != nil {
		return fmt.Errorf("message not accepted: %w", err)
	}
	c.logf("message accepted by %s", c.addr)
	return nil
}

func (c *connection) Noop() error {
	_ = c.netConn.SetDeadline(time.Now().Add(c.timeout))
	return c.client.Noop()
}

func (c *connection) Close() error {
	return c.client.Quit()
}

func GenerateId() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s@%s", xid.New().String(), hostname)
}

// FormatFrom renders a display-name From header value. The display identity
// and the technical sending address are deliberately decoupled; callers pair
// whatever name the message carries with the selected account's address.
func FormatFrom(displayName, address string) string {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return address
	}
	return fmt.Sprintf("%q <%s>", displayName, address)
}
