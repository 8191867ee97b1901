package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestSMTPSenderRendersMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotBody string
	)
	s := &SMTPSender{
		Addr: "smtp.example.com:587",
		From: "hr@example.com",
		send: func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotTo, gotBody = addr, to, string(msg)
			return nil
		},
	}
	err := s.Send(context.Background(), Message{To: "ada@example.com", Subject: "Sign in", Body: "line1\nline2"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 1 || gotTo[0] != "ada@example.com" {
		t.Fatalf("unexpected envelope: %s %v", gotAddr, gotTo)
	}
	if !strings.Contains(gotBody, "Subject: Sign in\r\n") || !strings.Contains(gotBody, "line1\r\nline2") {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestSMTPSenderWrapsFailure(t *testing.T) {
	boom := errors.New("relay down")
	s := &SMTPSender{Addr: "localhost:25", send: func(string, smtp.Auth, string, []string, []byte) error { return boom }}
	if err := s.Send(context.Background(), Message{To: "a@example.com"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped relay error, got %v", err)
	}
}

func TestMessageRejectsHeaderInjection(t *testing.T) {
	err := LogSender{}.Send(context.Background(), Message{To: "a@example.com", Subject: "hi\r\nBcc: x@example.com"})
	if err == nil {
		t.Fatal("expected header injection to be rejected")
	}
}
