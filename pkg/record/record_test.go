package record

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("post", "/hooks/order?id=7&tag=a&tag=b", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(HeaderOrigin, OriginRemote)
	req.Header.Set(HeaderID, "abc")
	req.RemoteAddr = "10.0.0.1:12345"

	rec := FromRequest(req, []byte(`{"a":1}`))

	if rec.Method != "POST" {
		t.Errorf("Expected method POST, got %s", rec.Method)
	}
	if rec.Path != "/hooks/order" {
		t.Errorf("Expected path /hooks/order, got %s", rec.Path)
	}
	if got := rec.QueryParams["tag"]; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected repeated tag values, got %v", got)
	}
	if rec.QueryParams.Get("id") != "7" {
		t.Errorf("Expected id=7, got %q", rec.QueryParams.Get("id"))
	}
	if rec.UserAgent != "test-agent" {
		t.Errorf("Expected user agent test-agent, got %s", rec.UserAgent)
	}
	if rec.IP != "10.0.0.1" {
		t.Errorf("Expected ip 10.0.0.1, got %s", rec.IP)
	}
	if rec.Headers.Get(HeaderOrigin) != "" || rec.Headers.Get(HeaderID) != "" {
		t.Error("Expected control headers to be stripped")
	}
	if rec.Headers.Get("Host") == "" {
		t.Error("Expected host header to be kept")
	}
	if req.Header.Get(HeaderOrigin) == "" {
		t.Error("FromRequest must not modify the observed request headers")
	}
	if rec.ID != "" || !rec.ReceivedAt.IsZero() {
		t.Error("Expected id and receivedAt to be left for the recorder")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expectedIP string
	}{
		{
			name:       "X-Forwarded-For chain",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.2"},
			expectedIP: "192.168.1.100",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Real-IP": "192.168.1.200"},
			expectedIP: "192.168.1.200",
		},
		{
			name:       "RemoteAddr with port",
			remoteAddr: "10.0.0.1:12345",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "IPv6 RemoteAddr",
			remoteAddr: "[::1]:8080",
			expectedIP: "::1",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "10.0.0.1",
			expectedIP: "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.expectedIP {
				t.Errorf("Expected %s, got %s", tt.expectedIP, got)
			}
		})
	}
}

func TestIsRemote(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsRemote(req) {
		t.Fatal("request without marker reported as remote")
	}
	req.Header.Set(HeaderOrigin, " Remote ")
	if !IsRemote(req) {
		t.Fatal("expected marker to be matched case-insensitively")
	}
	req.Header.Set(HeaderOrigin, "local")
	if IsRemote(req) {
		t.Fatal("unexpected remote origin for value local")
	}
}

func TestSameContent(t *testing.T) {
	base := &Record{
		ID:          "r1",
		Method:      "POST",
		Path:        "/x",
		Headers:     http.Header{"A": {"1"}},
		QueryParams: map[string][]string{"q": {"v"}},
		Body:        []byte("hello"),
		IP:          "127.0.0.1",
		ReceivedAt:  Stamp(time.Now()),
	}

	clone := base.Clone()
	clone.CreatedAt = time.Now()
	if !SameContent(base, clone) {
		t.Fatal("expected clone to carry the same content")
	}

	clone.Body[0] = 'j'
	if SameContent(base, clone) {
		t.Fatal("expected body change to be detected")
	}
	if string(base.Body) != "hello" {
		t.Fatal("Clone shares the body buffer")
	}

	empty := &Record{ID: "e"}
	emptyMaps := &Record{ID: "e", Headers: http.Header{}, QueryParams: map[string][]string{}}
	if !SameContent(empty, emptyMaps) {
		t.Fatal("nil and empty maps should compare equal")
	}
}

func TestStamp(t *testing.T) {
	in := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	got := Stamp(in)
	if got.Location() != time.UTC {
		t.Errorf("Expected UTC, got %v", got.Location())
	}
	if got.Nanosecond() != 123456000 {
		t.Errorf("Expected microsecond truncation, got %d", got.Nanosecond())
	}
	if !got.Equal(in.Truncate(time.Microsecond)) {
		t.Errorf("Stamp moved the instant: %v", got)
	}
}
