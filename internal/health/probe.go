package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// ProbeSMTP opens a session to the relay, negotiates STARTTLS when asked and quits.
func ProbeSMTP(host string, port int, startTLS, insecureSkipVerify bool) CheckFunc {
	return func(ctx context.Context) error {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: insecureSkipVerify}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		if port == 465 {
			conn = tls.Client(conn, tlsCfg)
		}
		client, err := smtp.NewClient(conn, host)
		if err != nil {
			_ = conn.Close()
			return err
		}
		defer client.Close()
		if startTLS && port != 465 {
			ok, _ := client.Extension("STARTTLS")
			if !ok {
				return fmt.Errorf("SMTP STARTTLS extension not available")
			}
			if err := client.StartTLS(tlsCfg); err != nil {
				return err
			}
		}
		return client.Quit()
	}
}
