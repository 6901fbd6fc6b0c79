package stream

import (
	"errors"
	"testing"
)

func TestValidateTarget(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "rtmp with key", raw: "rtmp://live.example.com/app/key12345"},
		{name: "rtmps with key", raw: "rtmps://live.example.com:443/app/key12345"},
		{name: "http scheme", raw: "http://live.example.com/app/key12345", wantErr: true},
		{name: "missing host", raw: "rtmp:///app/key12345", wantErr: true},
		{name: "short key", raw: "rtmp://live.example.com/app/k1", wantErr: true},
		{name: "no path", raw: "rtmp://live.example.com", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateTarget(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("%s: expected ErrInvalidTarget, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestResolveTargetPrefersOverride(t *testing.T) {
	override := "rtmp://override.example.com/app/overridekey"
	stored := "rtmp://stored.example.com/app/storedkey1"

	got, err := ResolveTarget(override, stored)
	if err != nil {
		t.Fatalf("ResolveTarget returned error: %v", err)
	}
	if got != override {
		t.Fatalf("ResolveTarget = %q, want override", got)
	}

	got, err = ResolveTarget("", stored)
	if err != nil {
		t.Fatalf("ResolveTarget returned error: %v", err)
	}
	if got != stored {
		t.Fatalf("ResolveTarget = %q, want stored", got)
	}

	if _, err := ResolveTarget("", ""); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget for empty targets, got %v", err)
	}
}

func TestRedactTarget(t *testing.T) {
	got := RedactTarget("rtmp://live.example.com/app/secretkey123")
	if got != "rtmp://live.example.com/app/****" {
		t.Fatalf("RedactTarget = %q", got)
	}
}
