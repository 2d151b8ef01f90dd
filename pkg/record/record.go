package record

import (
	"bytes"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Propagator control headers. They travel with replayed requests and are
// never part of a stored record.
const (
	HeaderOrigin     = "X-Propagator-Origin"
	HeaderID         = "X-Propagator-Id"
	HeaderReceivedAt = "X-Propagator-Received-At"

	// OriginRemote is the HeaderOrigin value marking a request replayed from a peer.
	OriginRemote = "remote"
)

// Epoch is the cursor sentinel used when nothing has been recorded yet.
var Epoch = time.Unix(0, 0).UTC()

// Record is one observed HTTP request, the unit of replication.
type Record struct {
	ID          string
	Method      string
	Path        string
	Headers     http.Header
	QueryParams url.Values
	Body        []byte
	IP          string
	UserAgent   string
	ReceivedAt  time.Time

	// Bookkeeping maintained by the store; not part of the replicated content.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewID returns a fresh random record identifier.
func NewID() string {
	return uuid.NewString()
}

// Stamp normalizes a receive time to UTC with microsecond precision so it
// survives every store driver unchanged.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FromRequest builds a record from an observed request. ID and ReceivedAt are
// left empty; the recorder assigns them.
func FromRequest(r *http.Request, body []byte) *Record {
	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if r.Host != "" && headers.Get("Host") == "" {
		headers.Set("Host", r.Host)
	}
	StripControlHeaders(headers)

	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	return &Record{
		Method:      strings.ToUpper(r.Method),
		Path:        path,
		Headers:     headers,
		QueryParams: r.URL.Query(),
		Body:        body,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}
}

// StripControlHeaders removes the propagator control headers in place.
func StripControlHeaders(h http.Header) {
	h.Del(HeaderOrigin)
	h.Del(HeaderID)
	h.Del(HeaderReceivedAt)
}

// IsRemote reports whether the request carries the remote origin marker.
func IsRemote(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderOrigin)), OriginRemote)
}

// SameContent reports whether two records carry identical replicated content.
func SameContent(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.Method == b.Method &&
		a.Path == b.Path &&
		equalMulti(a.Headers, b.Headers) &&
		equalMulti(a.QueryParams, b.QueryParams) &&
		bytes.Equal(a.Body, b.Body) &&
		a.IP == b.IP &&
		a.UserAgent == b.UserAgent &&
		a.ReceivedAt.Equal(b.ReceivedAt)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	if r.QueryParams != nil {
		c.QueryParams = make(url.Values, len(r.QueryParams))
		for k, v := range r.QueryParams {
			c.QueryParams[k] = append([]string(nil), v...)
		}
	}
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

func equalMulti[M ~map[string][]string](a, b M) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(normalizeMulti(a), normalizeMulti(b))
}

func normalizeMulti[M ~map[string][]string](m M) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		if v == nil {
			v = []string{}
		}
		out[k] = v
	}
	return out
}

// clientIP gets client real IP address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client IP)
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
