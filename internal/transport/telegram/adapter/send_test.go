package adapter

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "massdm/internal/transport"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q, want [hello]", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(text, 10)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestWrapSendErrorAPIError(t *testing.T) {
	t.Parallel()
	err := wrapSendError(tele.ErrBlockedByUser)
	var se *kit.SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if se.Code != http.StatusForbidden {
		t.Fatalf("Code = %d, want 403", se.Code)
	}
	if !errors.Is(err, tele.ErrBlockedByUser) {
		t.Fatal("wrapped error should unwrap to the telebot error")
	}
}

func TestWrapSendErrorPassThrough(t *testing.T) {
	t.Parallel()
	if wrapSendError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	plain := errors.New("dial tcp: connection refused")
	if got := wrapSendError(plain); got != plain {
		t.Fatalf("non-API errors must pass through, got %v", got)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	list, sum := menuCommands([]kit.BotCommand{
		{Command: "massdm", Description: "DM every member"},
		{Command: ""},
		{Command: "help"},
		{Command: "long", Description: strings.Repeat("x", 300)},
	})
	if len(list) != 3 {
		t.Fatalf("list=%+v", list)
	}
	if list[1].Text != "help" || list[1].Description != "help" {
		t.Fatalf("empty description not defaulted: %+v", list[1])
	}
	if len(list[2].Description) != 256 {
		t.Fatalf("description len=%d", len(list[2].Description))
	}

	_, same := menuCommands([]kit.BotCommand{
		{Command: "massdm", Description: "DM every member"},
		{Command: "help"},
		{Command: "long", Description: strings.Repeat("x", 300)},
	})
	if same != sum {
		t.Fatalf("hash differs for equivalent lists")
	}
	if _, other := menuCommands([]kit.BotCommand{{Command: "massdm"}}); other == sum {
		t.Fatalf("hash collides for different lists")
	}
}
