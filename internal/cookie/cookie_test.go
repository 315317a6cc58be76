package cookie

import "testing"

func TestValue(t *testing.T) {
	tests := []struct {
		name   string
		header string
		cookie string
		want   string
		found  bool
	}{
		{"single", "access_token=abc", "access_token", "abc", true},
		{"among others", "theme=dark; access_token=abc; lang=en", "access_token", "abc", true},
		{"leading whitespace", "theme=dark;   access_token=abc", "access_token", "abc", true},
		{"absent", "theme=dark; lang=en", "access_token", "", false},
		{"empty header", "", "access_token", "", false},
		{"empty name", "access_token=abc", "", "", false},
		{"value keeps later equals", "access_token=a=b=c", "access_token", "a=b=c", true},
		{"no decoding", "access_token=a%3Db", "access_token", "a%3Db", true},
		{"empty value", "access_token=", "access_token", "", true},
		{"name is exact match", "access_token2=abc", "access_token", "", false},
		{"segment without equals", "garbage; access_token=abc", "access_token", "abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Value(tt.header, tt.cookie)
			if got != tt.want || found != tt.found {
				t.Fatalf("Value(%q, %q) = (%q, %v); want (%q, %v)", tt.header, tt.cookie, got, found, tt.want, tt.found)
			}
		})
	}
}
