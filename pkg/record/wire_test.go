package record

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRecordJSON(t *testing.T) {
	rec := &Record{
		ID:          "0b6f2a9e-1111-4c2f-9b55-5d1c0c7d3a01",
		Method:      "PUT",
		Path:        "/items/1",
		Headers:     http.Header{"Content-Type": {"text/plain"}},
		QueryParams: map[string][]string{"v": {"1", "2"}},
		Body:        []byte("plain text"),
		ReceivedAt:  time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		`"receivedAt":"2024-01-02T03:04:05.000006Z"`,
		`"ip":null`,
		`"userAgent":null`,
		`"body":"plain text"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %s in %s", want, s)
		}
	}
	if strings.Contains(s, "bodyEncoding") || strings.Contains(s, "createdAt") {
		t.Errorf("unexpected optional fields in %s", s)
	}

	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !SameContent(rec, &back) {
		t.Fatalf("decoded record differs: %+v", back)
	}
}

func TestRecordJSONBinaryBody(t *testing.T) {
	rec := &Record{ID: "bin", Method: "POST", Path: "/", Body: []byte{0xff, 0x00, 0xfe}, ReceivedAt: Epoch}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"bodyEncoding":"base64"`) {
		t.Fatalf("expected base64 body encoding, got %s", data)
	}
	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(back.Body) != string(rec.Body) {
		t.Fatalf("binary body not preserved: %v", back.Body)
	}
}

func TestRecordJSONLenientInput(t *testing.T) {
	input := `{"id":"p1","method":"post","path":"","headers":{"accept":["*/*"]},"queryParams":{"a":"1"},"body":"","ip":"1.2.3.4","userAgent":null,"receivedAt":"2024-03-01 10:00:00"}`
	var rec Record
	if err := json.Unmarshal([]byte(input), &rec); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if rec.Method != "POST" || rec.Path != "/" {
		t.Errorf("unexpected method/path %s %s", rec.Method, rec.Path)
	}
	if rec.QueryParams.Get("a") != "1" {
		t.Errorf("scalar query value not accepted: %v", rec.QueryParams)
	}
	if !rec.ReceivedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected receivedAt %v", rec.ReceivedAt)
	}
	if rec.IP != "1.2.3.4" || rec.UserAgent != "" {
		t.Errorf("unexpected ip/userAgent %q %q", rec.IP, rec.UserAgent)
	}

	emptyMaps := `{"id":"p2","method":"GET","path":"/","headers":[],"queryParams":[],"body":"","receivedAt":"2024-03-01T10:00:00Z"}`
	if err := json.Unmarshal([]byte(emptyMaps), &rec); err != nil {
		t.Fatalf("empty list maps rejected: %v", err)
	}
}

func TestRecordJSONRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"missing id":         `{"method":"GET","receivedAt":"2024-03-01T10:00:00Z"}`,
		"missing receivedAt": `{"id":"x","method":"GET"}`,
		"bad receivedAt":     `{"id":"x","receivedAt":"yesterday"}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			var rec Record
			if err := json.Unmarshal([]byte(input), &rec); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2024-06-01T08:30:00Z", want},
		{"2024-06-01T10:30:00+02:00", want},
		{"2024-06-01T08:30:00", want},
		{"2024-06-01 08:30:00", want},
		{"2024-06-01T08:30:00.250000Z", want.Add(250 * time.Millisecond)},
		{"1717230600", want},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.input)
		if err != nil {
			t.Errorf("ParseTime(%q) error: %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	for _, bad := range []string{"", "not-a-date", "2024-13-45"} {
		if _, err := ParseTime(bad); err == nil {
			t.Errorf("ParseTime(%q) expected error", bad)
		}
	}
}
