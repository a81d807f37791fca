package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedgate-io/feedgate/internal/logbuf"
	"github.com/feedgate-io/feedgate/internal/session"
	"github.com/feedgate-io/feedgate/internal/ticket"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// mockService returns canned data for handler tests.
type mockService struct {
	tickets []*protocol.Ticket
	stats   map[protocol.Origin]uint64
	state   session.State
	depth   int
	listErr error
}

func (m *mockService) ListTickets(filter ticket.Filter) ([]*protocol.Ticket, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*protocol.Ticket
	for _, t := range m.tickets {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Origin != "" && t.Origin != filter.Origin {
			continue
		}
		out = append(out, t)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockService) GetTicket(id string) (*protocol.Ticket, error) {
	for _, t := range m.tickets {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("ticket %q not found", id)
}

func (m *mockService) Stats() (map[protocol.Origin]uint64, error) { return m.stats, nil }
func (m *mockService) SessionState() session.State                { return m.state }
func (m *mockService) QueueDepth() int                            { return m.depth }

func newTestServer(t *testing.T, svc *mockService, key string, logs LogQuerier) *httptest.Server {
	t.Helper()
	srv := NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, logs)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, key string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func sampleTickets() []*protocol.Ticket {
	return []*protocol.Ticket{
		{ID: "ticket_site_1", Origin: protocol.OriginSite, Sequence: 1, Category: "bug",
			Message: "m1", Status: protocol.TicketOpen, CreatedAt: time.Now()},
		{ID: "ticket_tg_1", Origin: protocol.OriginDirect, Sequence: 1, Category: "wish",
			Message: "m2", Status: protocol.TicketResolved, CreatedAt: time.Now()},
	}
}

func TestHealthIncludesSessionState(t *testing.T) {
	svc := &mockService{state: session.State{Phase: session.PhaseReady}}
	ts := newTestServer(t, svc, "", nil)

	resp, body := get(t, ts.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Status  string        `json:"status"`
		Session session.State `json:"session"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Session.Phase != session.PhaseReady {
		t.Errorf("health = %+v", out)
	}
}

func TestAuthRequired(t *testing.T) {
	svc := &mockService{tickets: sampleTickets()}
	ts := newTestServer(t, svc, "secret-key", nil)

	// Health is open.
	if resp, _ := get(t, ts.URL+"/api/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	// Everything else wants the key.
	if resp, _ := get(t, ts.URL+"/api/tickets", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/api/tickets", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/api/tickets", "secret-key"); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	svc := &mockService{
		stats: map[protocol.Origin]uint64{protocol.OriginSite: 12, protocol.OriginDirect: 5},
		depth: 2,
		state: session.State{Phase: session.PhaseBackoff, RetryCount: 3},
	}
	ts := newTestServer(t, svc, "", nil)

	resp, body := get(t, ts.URL+"/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["site_total"] != float64(12) || out["tg_total"] != float64(5) || out["total"] != float64(17) {
		t.Errorf("stats = %v", out)
	}
	if out["queue_depth"] != float64(2) {
		t.Errorf("queue_depth = %v", out["queue_depth"])
	}
}

func TestListTickets(t *testing.T) {
	svc := &mockService{tickets: sampleTickets()}
	ts := newTestServer(t, svc, "", nil)

	_, body := get(t, ts.URL+"/api/tickets", "")
	var all []*protocol.Ticket
	if err := json.Unmarshal(body, &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d tickets", len(all))
	}

	_, body = get(t, ts.URL+"/api/tickets?status=resolved", "")
	var filtered []*protocol.Ticket
	json.Unmarshal(body, &filtered)
	if len(filtered) != 1 || filtered[0].ID != "ticket_tg_1" {
		t.Errorf("filtered = %v", filtered)
	}

	// Empty result is a JSON array, not null.
	_, body = get(t, ts.URL+"/api/tickets?origin=site&status=resolved", "")
	if string(body) != "[]\n" {
		t.Errorf("empty list body = %q", body)
	}
}

func TestGetTicket(t *testing.T) {
	svc := &mockService{tickets: sampleTickets()}
	ts := newTestServer(t, svc, "", nil)

	resp, body := get(t, ts.URL+"/api/tickets/ticket_site_1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tk protocol.Ticket
	if err := json.Unmarshal(body, &tk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tk.ID != "ticket_site_1" || tk.Category != "bug" {
		t.Errorf("ticket = %+v", tk)
	}

	if resp, _ := get(t, ts.URL+"/api/tickets/ticket_site_999", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing ticket status = %d, want 404", resp.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	buf := logbuf.New(100)
	now := time.Now()
	buf.Append(logbuf.Entry{Time: now, Level: "INFO", Message: "session ready"})
	buf.Append(logbuf.Entry{Time: now, Level: "ERROR", Message: "relay failed"})

	svc := &mockService{}
	ts := newTestServer(t, svc, "", buf)

	_, body := get(t, ts.URL+"/api/logs", "")
	var entries []logbuf.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}

	_, body = get(t, ts.URL+"/api/logs?level=error", "")
	entries = nil
	json.Unmarshal(body, &entries)
	if len(entries) != 1 || entries[0].Message != "relay failed" {
		t.Errorf("level filter: %v", entries)
	}
}

func TestLogsWithoutBuffer(t *testing.T) {
	ts := newTestServer(t, &mockService{}, "", nil)
	resp, body := get(t, ts.URL+"/api/logs", "")
	if resp.StatusCode != http.StatusOK || string(body) != "[]\n" {
		t.Errorf("status = %d body = %q", resp.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &mockService{}, "key", nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/tickets", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
