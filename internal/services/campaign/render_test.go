package campaign

import "testing"

func TestRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		content    string
		username   string
		servername string
		want       string
	}{
		{"both tokens", "Hey @username, welcome to @servername!", "ada", "gophers", "Hey ada, welcome to gophers!"},
		{"no tokens", "plain text", "ada", "gophers", "plain text"},
		{"repeated token", "@username @username", "ada", "g", "ada ada"},
		{"empty values", "hi @username of @servername", "", "", "hi  of "},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tc.content, tc.username, tc.servername); got != tc.want {
				t.Fatalf("Render = %q, want %q", got, tc.want)
			}
		})
	}
}
