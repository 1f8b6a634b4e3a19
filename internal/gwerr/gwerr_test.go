package gwerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/toolgate-io/toolgate/internal/gwerr"
)

func TestIs_matchesByCode(t *testing.T) {
	err := gwerr.New(gwerr.CodeNotFound, "server %q not found", "weather")
	if !errors.Is(err, gwerr.New(gwerr.CodeNotFound, "")) {
		t.Error("errors.Is should match two errors with the same code")
	}
	if errors.Is(err, gwerr.New(gwerr.CodeTimeout, "")) {
		t.Error("errors.Is should not match errors with different codes")
	}
}

func TestIs_throughWrapping(t *testing.T) {
	inner := gwerr.New(gwerr.CodeTimeout, "deadline exceeded")
	outer := fmt.Errorf("call weather__forecast: %w", inner)
	if !gwerr.HasCode(outer, gwerr.CodeTimeout) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
}

func TestCodeOf_uncoded(t *testing.T) {
	if got := gwerr.CodeOf(errors.New("plain")); got != gwerr.CodeUnavailable {
		t.Errorf("CodeOf(plain error): got %q, want %q", got, gwerr.CodeUnavailable)
	}
	if got := gwerr.CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil): got %q, want empty", got)
	}
}

func TestFail_codedError(t *testing.T) {
	env := gwerr.Fail(gwerr.New(gwerr.CodeInvalidPattern, "bad regex"))
	if env.Success {
		t.Error("Fail envelope should not be successful")
	}
	if env.Error == nil || env.Error.Code != gwerr.CodeInvalidPattern {
		t.Errorf("Fail envelope: got %+v, want invalid_pattern", env.Error)
	}
}

func TestFail_uncodedErrorIsSanitized(t *testing.T) {
	env := gwerr.Fail(errors.New("pgx: connection refused at 10.0.0.3"))
	if env.Error == nil {
		t.Fatal("Fail envelope missing error body")
	}
	if env.Error.Code != gwerr.CodeUnavailable {
		t.Errorf("uncoded error code: got %q, want %q", env.Error.Code, gwerr.CodeUnavailable)
	}
	if env.Error.Message != "internal error" {
		t.Errorf("uncoded error message leaked: %q", env.Error.Message)
	}
}

func TestOK(t *testing.T) {
	env := gwerr.OK(map[string]int{"n": 1})
	if !env.Success || env.Error != nil || env.Data == nil {
		t.Errorf("OK envelope malformed: %+v", env)
	}
}
