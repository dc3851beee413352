package xerrors

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindCorrupt, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindCorrupt},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", wrapped), kind: KindCorrupt},
		{name: "iofs not exist", err: iofs.ErrNotExist, kind: KindNotFound},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestSentinelMatchesByKind(t *testing.T) {
	err := fmt.Errorf("read: %w", E(KindNotFound, "blob.Get", "b1/abc"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrCorrupt) {
		t.Fatalf("not found must not match ErrCorrupt")
	}
	if !IsNotFound(err) || IsCorrupt(err) {
		t.Fatalf("helper classification wrong for %v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindMismatch, "singlesave.SaveAs", "b1/msg-1", errors.New("digest differs"))
	want := "singlesave.SaveAs: blob id mismatch b1/msg-1: digest differs"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}
