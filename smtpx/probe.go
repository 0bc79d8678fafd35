package smtpx

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type Caps struct {
	Starttls   bool
	Pipelining bool
	MaxSize    int64
	Latency    time.Duration
}

// Probe connects, reads the EHLO extension list and disconnects. The result
// refreshes an account's capability snapshot; a failed probe is reported as
// an error and the stale snapshot stays usable.
func Probe(addr, localName string, timeout time.Duration) (Caps, error) {
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return Caps{}, fmt.Errorf("could not dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	host, _, _ := net.SplitHostPort(addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return Caps{}, fmt.Errorf("could not create smtp client for %s: %w", addr, err)
	}
	defer client.Close()

	if err = client.Hello(localName); err != nil {
		return Caps{}, fmt.Errorf("ehlo %s failed: %w", addr, err)
	}

	caps := Caps{Latency: time.Since(start)}
	caps.Starttls, _ = client.Extension("STARTTLS")
	caps.Pipelining, _ = client.Extension("PIPELINING")

	if ok, param := client.Extension("SIZE"); ok {
		fields := strings.Fields(param)
		if len(fields) > 0 {
			caps.MaxSize, _ = strconv.ParseInt(fields[0], 10, 64)
		}
	}

	_ = client.Quit()
	return caps, nil
}
