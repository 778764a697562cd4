package i18n

import (
	"reflect"
	"testing"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want Language
	}{
		{"de", LangDE},
		{"DE-de", LangDE},
		{"en", LangEN},
		{"", LangEN},
		{"fr", LangEN},
	}
	for _, tt := range tests {
		if got := ParseLanguage(tt.in); got != tt.want {
			t.Fatalf("ParseLanguage(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSetLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangDE)
	if GetLanguage() != LangDE || M().BreakerReset != messagesDE.BreakerReset {
		t.Fatal("expected German messages")
	}
	if Get("BreakerReset") != messagesDE.BreakerReset {
		t.Fatalf("Get = %q", Get("BreakerReset"))
	}
	if Get("NoSuchKey") != "NoSuchKey" {
		t.Fatal("unknown keys should echo the key")
	}

	SetLanguage("xx")
	if GetLanguage() != LangEN {
		t.Fatalf("unsupported language should fall back to en, got %s", GetLanguage())
	}
}

func TestAllMessagesTranslated(t *testing.T) {
	for _, m := range []Messages{messagesEN, messagesDE} {
		v := reflect.ValueOf(m)
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).String() == "" {
				t.Fatalf("missing translation for %s", v.Type().Field(i).Name)
			}
		}
	}
}
