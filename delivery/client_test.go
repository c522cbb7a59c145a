package delivery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"mailerd/queue"
)

func testMessage(id string, rcpts ...string) *queue.Message {
	return &queue.Message{
		ID:       id,
		Envelope: queue.Envelope{From: "sender@example.com", To: rcpts},
		Content:  []byte("Subject: Test\r\n\r\nBody\r\n"),
		DueDate:  queue.Today(time.Now()),
	}
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestSMTPTransportPartialAccept(t *testing.T) {
	ln := listenLocal(t)
	port := ln.Addr().(*net.TCPAddr).Port

	dataCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)

		fmt.Fprint(bw, "220 test ESMTP\r\n")
		bw.Flush()

		expectCommand(t, br, "EHLO mailerd.test", "HELO mailerd.test")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()

		expectCommand(t, br, "MAIL FROM:<sender@example.com>")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()

		expectCommand(t, br, "RCPT TO:<one@example.com>")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()

		expectCommand(t, br, "RCPT TO:<two@example.com>")
		fmt.Fprint(bw, "550 5.1.1 No such user\r\n")
		bw.Flush()

		expectCommand(t, br, "DATA")
		fmt.Fprint(bw, "354 End data with <CR><LF>.<CR><LF>\r\n")
		bw.Flush()

		var lines []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Errorf("read data error: %v", err)
				return
			}
			if line == ".\r\n" {
				break
			}
			lines = append(lines, line)
		}
		dataCh <- strings.Join(lines, "")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()

		expectCommand(t, br, "QUIT")
		fmt.Fprint(bw, "221 Bye\r\n")
		bw.Flush()
	}()

	tr := NewLocal("127.0.0.1", port, "mailerd.test", nil)
	results, err := tr.Send(context.Background(), testMessage("m1", "one@example.com", "two@example.com"),
		[]string{"one@example.com", "two@example.com"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if results["one@example.com"] != nil {
		t.Fatalf("expected first recipient accepted, got %v", results["one@example.com"])
	}
	rejected := results["two@example.com"]
	if rejected == nil || IsTemporary(rejected) {
		t.Fatalf("expected permanent rejection, got %v", rejected)
	}
	if got := reason(rejected); !strings.HasPrefix(got, "550") {
		t.Fatalf("unexpected reason %q", got)
	}

	select {
	case body := <-dataCh:
		if !strings.Contains(body, "Subject: Test") || !strings.Contains(body, "Body") {
			t.Fatalf("unexpected body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for SMTP data")
	}
}

func TestSMTPTransportSkipsDataWhenAllRejected(t *testing.T) {
	ln := listenLocal(t)
	port := ln.Addr().(*net.TCPAddr).Port

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)

		fmt.Fprint(bw, "220 test ESMTP\r\n")
		bw.Flush()
		expectCommand(t, br, "EHLO mailerd.test", "HELO mailerd.test")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()
		expectCommand(t, br, "MAIL FROM:<sender@example.com>")
		fmt.Fprint(bw, "250 OK\r\n")
		bw.Flush()
		expectCommand(t, br, "RCPT TO:<busy@example.com>")
		fmt.Fprint(bw, "452 Mailbox busy\r\n")
		bw.Flush()
		expectCommand(t, br, "QUIT")
		fmt.Fprint(bw, "221 Bye\r\n")
		bw.Flush()
	}()

	tr := NewLocal("127.0.0.1", port, "mailerd.test", nil)
	results, err := tr.Send(context.Background(), testMessage("m2", "busy@example.com"), []string{"busy@example.com"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !IsTemporary(results["busy@example.com"]) {
		t.Fatalf("expected temporary rejection, got %v", results["busy@example.com"])
	}
	<-done
}

func TestSMTPTransportDialError(t *testing.T) {
	ln := listenLocal(t)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewLocal("127.0.0.1", port, "mailerd.test", nil)
	_, err := tr.Send(context.Background(), testMessage("m3", "rcpt@example.com"), []string{"rcpt@example.com"})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !IsTemporary(err) {
		t.Fatalf("expected dial error to be temporary, got %v", err)
	}
}

func TestRelayRefusesPlaintextAuth(t *testing.T) {
	ln := listenLocal(t)
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)
		fmt.Fprint(bw, "220 test ESMTP\r\n")
		bw.Flush()
		expectCommand(t, br, "EHLO mailerd.test", "HELO mailerd.test")
		fmt.Fprint(bw, "250-test\r\n250 AUTH PLAIN\r\n")
		bw.Flush()
		// The client hangs up without authenticating.
		_, _ = br.ReadString('\n')
	}()

	tr := NewRelay("127.0.0.1", port, "user", "secret", "mailerd.test", nil)
	_, err := tr.Send(context.Background(), testMessage("m4", "rcpt@example.com"), []string{"rcpt@example.com"})
	if !errors.Is(err, errPlaintextAuth) {
		t.Fatalf("expected plaintext auth refusal, got %v", err)
	}
	if IsTemporary(err) {
		t.Fatalf("plaintext refusal must be permanent")
	}
}

func expectCommand(t *testing.T, br *bufio.Reader, allowed ...string) {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Errorf("read command error: %v", err)
		return
	}
	line = strings.TrimRight(line, "\r\n")
	for _, option := range allowed {
		if line == option {
			return
		}
	}
	t.Errorf("unexpected command %q", line)
}
