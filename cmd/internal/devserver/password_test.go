package devserver

import (
	"errors"
	"strings"
	"testing"
)

func testParams() Argon2Params {
	return paramsFromConfig(testConfig())
}

func TestHashAndVerifyPassword(t *testing.T) {
	p := testParams()

	h, err := HashPassword("correct horse", p)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$") {
		t.Fatalf("unexpected encoding %q", h)
	}

	ok, err := VerifyPassword(h, "correct horse", p)
	if err != nil || !ok {
		t.Fatalf("Verify match: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyPassword(h, "wrong horse", p)
	if err != nil || ok {
		t.Fatalf("Verify mismatch: ok=%v err=%v", ok, err)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	p := testParams()

	cases := []string{
		"not-a-hash",
		"$bcrypt$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!$a2V5a2V5a2V5a2V5a2V5",
	}
	for _, in := range cases {
		if _, err := VerifyPassword(in, "x", p); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("VerifyPassword(%q) err=%v want ErrInvalidHash", in, err)
		}
	}
}

func TestVerifyPassword_RefusesOversizedCost(t *testing.T) {
	p := testParams()
	big := p
	big.MemoryKiB = p.MemoryKiB * 4

	h, err := HashPassword("pw", big)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if _, err := VerifyPassword(h, "pw", p); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("err=%v want ErrInvalidHash", err)
	}
}

func TestUsers_Authenticate(t *testing.T) {
	u, err := NewUsers([]string{"Admin:pw1:ADMIN", "ops:pw2:"}, testParams())
	if err != nil {
		t.Fatalf("NewUsers: %v", err)
	}

	got, err := u.Authenticate(" admin ", "pw1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Username != "admin" || got.Role != "admin" || got.ID != 1 {
		t.Fatalf("user=%+v", got)
	}

	ops, err := u.Get("2")
	if err != nil || ops.Role != "user" {
		t.Fatalf("Get(2)=%+v err=%v", ops, err)
	}

	if _, err := u.Authenticate("admin", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password err=%v", err)
	}
	if _, err := u.Authenticate("ghost", "pw1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user err=%v", err)
	}
	if _, err := u.Get("x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Get(x) err=%v", err)
	}
}

func TestNewUsers_RejectsBadSeeds(t *testing.T) {
	for _, seeds := range [][]string{{"nocolons"}, {"a:b:c", "A:d:e"}, {":pw:admin"}} {
		if _, err := NewUsers(seeds, testParams()); !errors.Is(err, ErrConfig) {
			t.Fatalf("NewUsers(%v) err=%v want ErrConfig", seeds, err)
		}
	}
}
