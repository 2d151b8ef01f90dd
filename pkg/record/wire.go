package record

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const bodyEncodingBase64 = "base64"

// wireRecord is the JSON shape exchanged between peers.
type wireRecord struct {
	ID           string     `json:"id"`
	Method       string     `json:"method"`
	Path         string     `json:"path"`
	Headers      multiValue `json:"headers"`
	QueryParams  multiValue `json:"queryParams"`
	Body         string     `json:"body"`
	BodyEncoding string     `json:"bodyEncoding,omitempty"`
	IP           *string    `json:"ip"`
	UserAgent    *string    `json:"userAgent"`
	ReceivedAt   string     `json:"receivedAt"`
	CreatedAt    string     `json:"createdAt,omitempty"`
	UpdatedAt    string     `json:"updatedAt,omitempty"`
}

// MarshalJSON implements json.Marshaler using the peer wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		ID:          r.ID,
		Method:      r.Method,
		Path:        r.Path,
		Headers:     multiValue(r.Headers),
		QueryParams: multiValue(r.QueryParams),
		IP:          optional(r.IP),
		UserAgent:   optional(r.UserAgent),
		ReceivedAt:  FormatTime(r.ReceivedAt),
	}
	if w.Headers == nil {
		w.Headers = multiValue{}
	}
	if w.QueryParams == nil {
		w.QueryParams = multiValue{}
	}
	if utf8.Valid(r.Body) {
		w.Body = string(r.Body)
	} else {
		w.Body = base64.StdEncoding.EncodeToString(r.Body)
		w.BodyEncoding = bodyEncodingBase64
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = FormatTime(r.CreatedAt)
	}
	if !r.UpdatedAt.IsZero() {
		w.UpdatedAt = FormatTime(r.UpdatedAt)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for the peer wire format.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("record id is empty")
	}
	receivedAt, err := ParseTime(w.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record %s receivedAt: %w", w.ID, err)
	}

	body := []byte(w.Body)
	if w.BodyEncoding == bodyEncodingBase64 {
		body, err = base64.StdEncoding.DecodeString(w.Body)
		if err != nil {
			return fmt.Errorf("record %s body: %w", w.ID, err)
		}
	}

	method := strings.ToUpper(strings.TrimSpace(w.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := w.Path
	if path == "" {
		path = "/"
	}

	*r = Record{
		ID:          w.ID,
		Method:      method,
		Path:        path,
		Headers:     http.Header(w.Headers),
		QueryParams: url.Values(w.QueryParams),
		Body:        body,
		ReceivedAt:  receivedAt,
	}
	if w.IP != nil {
		r.IP = *w.IP
	}
	if w.UserAgent != nil {
		r.UserAgent = *w.UserAgent
	}
	if w.CreatedAt != "" {
		if t, err := ParseTime(w.CreatedAt); err == nil {
			r.CreatedAt = t
		}
	}
	if w.UpdatedAt != "" {
		if t, err := ParseTime(w.UpdatedAt); err == nil {
			r.UpdatedAt = t
		}
	}
	return nil
}

// multiValue accepts both {"k": ["a", "b"]} and {"k": "a"} on decode.
type multiValue map[string][]string

func (m *multiValue) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// PHP peers encode an empty map as [].
		var list []json.RawMessage
		if lerr := json.Unmarshal(data, &list); lerr == nil && len(list) == 0 {
			*m = multiValue{}
			return nil
		}
		return err
	}
	out := make(multiValue, len(raw))
	for key, value := range raw {
		var many []string
		if err := json.Unmarshal(value, &many); err == nil {
			out[key] = many
			continue
		}
		var one string
		if err := json.Unmarshal(value, &one); err != nil {
			return fmt.Errorf("value of %q: %w", key, err)
		}
		out[key] = []string{one}
	}
	*m = out
	return nil
}

// FormatTime renders a timestamp the way it travels on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var looseLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses an ISO-8601 timestamp. Values without a zone are UTC.
// Plain integers are read as unix seconds.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range looseLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	if secs, ok := parseUnix(value); ok {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func parseUnix(value string) (int64, bool) {
	var n int64
	if len(value) == 0 || len(value) > 12 {
		return 0, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
