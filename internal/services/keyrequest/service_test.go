package keyrequest_test

import (
	"context"
	"testing"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/services/keyrequest"
	"groupcrypt/internal/store"
)

type sender struct {
	sent []types.RoomKeyRequestContent
	to   [][]domain.DeviceKey
}

func (s *sender) SendToDevice(_ context.Context, _ string, messages map[domain.DeviceKey]any) error {
	var to []domain.DeviceKey
	var content types.RoomKeyRequestContent
	for k, m := range messages {
		to = append(to, k)
		content = m.(types.RoomKeyRequestContent)
	}
	s.sent = append(s.sent, content)
	s.to = append(s.to, to)
	return nil
}

func TestRequestAndCancel(t *testing.T) {
	st, err := store.NewFileGroupStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileGroupStore: %v", err)
	}
	defer st.Close()
	s := &sender{}
	svc := keyrequest.New(keyrequest.Config{
		Sender: s,
		Store:  st,
		Self:   domain.DeviceKey{UserID: "@alice:a.org", DeviceID: "A1"},
	})
	ctx := context.Background()
	body := domain.RoomKeyRequestBody{Algorithm: types.AlgorithmMegolm, RoomID: "!r", SenderKey: "bob-curve", SessionID: "s1"}

	recipients := svc.Recipients("@bob:b.org", "B1")
	if len(recipients) != 2 || recipients[0].DeviceID != "*" {
		t.Fatalf("recipients = %v", recipients)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Request(ctx, body, recipients); err != nil {
			t.Fatalf("Request: %v", err)
		}
	}
	if len(s.sent) != 1 || s.sent[0].Action != "request" || s.sent[0].Body.SessionID != "s1" {
		t.Fatalf("sent = %+v, want one request", s.sent)
	}

	cases := []struct {
		from domain.DeviceKey
		want bool
	}{
		{domain.DeviceKey{UserID: "@alice:a.org", DeviceID: "A2"}, true},
		{domain.DeviceKey{UserID: "@bob:b.org", DeviceID: "B1"}, true},
		{domain.DeviceKey{UserID: "@bob:b.org", DeviceID: "B2"}, false},
		{domain.DeviceKey{UserID: "@eve:e.org", DeviceID: "E1"}, false},
	}
	for _, c := range cases {
		got, err := svc.WasRequested(body, c.from)
		if err != nil || got != c.want {
			t.Fatalf("WasRequested(%v) = %v, %v; want %v", c.from, got, err, c.want)
		}
	}

	if err := svc.Cancel(ctx, body); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(s.sent) != 2 || s.sent[1].Action != "request_cancellation" || s.sent[1].RequestID != s.sent[0].RequestID {
		t.Fatalf("cancel = %+v", s.sent)
	}
	if ok, _ := svc.WasRequested(body, recipients[1]); ok {
		t.Fatal("request still outstanding after cancel")
	}
}
