package storage

import "testing"

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestObjectKey(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "exports"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	prefixed, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "exports", Prefix: "desktop"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	tests := []struct {
		c    *Client
		rel  string
		want string
	}{
		{c, "snap.tar", "snap.tar"},
		{c, "sub/snap.tar", "sub/snap.tar"},
		{c, "../../etc/snap.tar", "etc/snap.tar"},
		{prefixed, "sub/snap.tar", "desktop/sub/snap.tar"},
	}
	for _, tt := range tests {
		if got := tt.c.ObjectKey(tt.rel); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
