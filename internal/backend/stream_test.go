package backend

import "testing"

func TestWebsocketURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://node:8080", "ws://node:8080"},
		{"https://node.example.com", "wss://node.example.com"},
		{"ws://already-ws", "ws://already-ws"},
	}
	for _, tc := range cases {
		if got := websocketURL(tc.in); got != tc.want {
			t.Errorf("websocketURL(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
