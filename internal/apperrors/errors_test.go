package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindInvalidAmount, "amount %s must be positive", "-5")
	wrapped := fmt.Errorf("convert: %w", err)

	if !errors.Is(wrapped, ErrInvalidAmount) {
		t.Fatalf("包装后的错误应匹配 ErrInvalidAmount: %v", wrapped)
	}
	if errors.Is(wrapped, ErrInvalidCurrencyCode) {
		t.Fatal("不同类别的错误不应匹配")
	}
	if KindOf(wrapped) != KindInvalidAmount {
		t.Fatalf("KindOf 返回 %q", KindOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindAuditPersistenceFailed, cause, "persist audit %s", "audit-1")

	if !errors.Is(err, cause) {
		t.Fatal("应能通过 errors.Is 找到底层原因")
	}
	if got := err.Error(); got != "AuditPersistenceFailed: persist audit audit-1: connection refused" {
		t.Fatalf("错误文本不符合预期: %s", got)
	}
}

func TestIsValidation(t *testing.T) {
	cases := map[error]bool{
		ErrInvalidCurrencyCode:       true,
		ErrUnknownCurrencyInSnapshot: true,
		ErrInvalidAmount:             true,
		ErrNoRateDataAvailable:       false,
		ErrAuditPersistenceFailed:    false,
		errors.New("plain"):          false,
	}
	for err, want := range cases {
		if got := IsValidation(err); got != want {
			t.Fatalf("IsValidation(%v) = %v, want %v", err, got, want)
		}
	}
}
