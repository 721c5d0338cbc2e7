package config

import (
	"reflect"
	"testing"
)

func TestValidate(t *testing.T) {
	cfg := &Config{AccessToken: "t", PhoneNumberID: "1", VerifyToken: "v"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing access token", Config{PhoneNumberID: "1", VerifyToken: "v"}},
		{"missing phone number id", Config{AccessToken: "t", VerifyToken: "v"}},
		{"missing verify token", Config{AccessToken: "t", PhoneNumberID: "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList("stun:a.example:3478, stun:b.example:3478 ,")
	want := []string{"stun:a.example:3478", "stun:b.example:3478"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitList = %v, want %v", got, want)
	}

	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %v, want nil", got)
	}
}
