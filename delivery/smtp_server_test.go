package delivery

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSMTP accepts any number of sessions. RCPT replies come from replies,
// keyed by address; unknown addresses are accepted.
type fakeSMTP struct {
	port    int
	replies map[string]string

	mu       sync.Mutex
	messages []string
}

func startFakeSMTP(t *testing.T, replies map[string]string) *fakeSMTP {
	t.Helper()
	ln := listenLocal(t)
	srv := &fakeSMTP{port: ln.Addr().(*net.TCPAddr).Port, replies: replies}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return srv
}

func (s *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	reply := func(line string) {
		fmt.Fprint(bw, line+"\r\n")
		bw.Flush()
	}

	reply("220 fake ESMTP")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			addr := strings.Trim(cmd[len("RCPT TO:"):], "<> ")
			if r, ok := s.replies[addr]; ok {
				reply(r)
			} else {
				reply("250 OK")
			}
		case upper == "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, body.String())
			s.mu.Unlock()
			reply("250 queued")
		case upper == "RSET", upper == "NOOP":
			reply("250 OK")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *fakeSMTP) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}
