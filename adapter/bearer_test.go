package adapter

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
)

func TestParseBearer(t *testing.T) {
	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name   string
		header string
		want   Credentials
		err    error
	}{
		{"valid", "Bearer " + encode("alice:tok"), Credentials{User: "alice", Token: "tok"}, nil},
		{"token with colon", "Bearer " + encode("alice:a:b"), Credentials{User: "alice", Token: "a:b"}, nil},
		{"unpadded", "Bearer " + base64.RawStdEncoding.EncodeToString([]byte("alice:tok")), Credentials{User: "alice", Token: "tok"}, nil},
		{"missing", "", Credentials{}, ErrMissingCredentials},
		{"wrong scheme", "Token " + encode("alice:tok"), Credentials{}, ErrMalformedCredentials},
		{"no colon", "Bearer " + encode("alice"), Credentials{}, ErrMalformedCredentials},
		{"empty token", "Bearer " + encode("alice:"), Credentials{}, ErrMalformedCredentials},
		{"not base64", "Bearer %%%", Credentials{}, ErrMalformedCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBearer(tt.header)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestEncodeBearerRoundTrip(t *testing.T) {
	creds := Credentials{User: "alice", Token: "ghp_secret"}
	got, err := ParseBearer(EncodeBearer(creds))
	if err != nil || got != creds {
		t.Fatalf("unexpected result: %+v %v", got, err)
	}
}

func TestParseBasic(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:tok"))
	got, err := ParseBasic("Basic " + encoded)
	if err != nil || got != encoded {
		t.Fatalf("unexpected result: %q %v", got, err)
	}
	if _, err := ParseBasic("Bearer " + encoded); !errors.Is(err, ErrMalformedCredentials) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("zlib/1.2.13@github/alice")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if len(locks.locks) != 0 {
		t.Fatalf("expected idle keys to be forgotten, got %d", len(locks.locks))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}
