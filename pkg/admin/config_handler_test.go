package admin

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/phxntninja/mutt/internal/queue"
)

func TestConfig_WriteThenReadBypassesCache(t *testing.T) {
	h, _, sub := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodPut, "/config/backpressure_mode/", configRequest{Value: "dlq"})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	raw, err := sub.Get(t.Context(), configKey("backpressure_mode"))
	if err != nil {
		t.Fatalf("expected config value to be written directly to the substrate: %v", err)
	}
	if string(raw) != "dlq" {
		t.Fatalf("stored value = %q, want %q", raw, "dlq")
	}

	w = doJSON(t, router, http.MethodGet, "/config/backpressure_mode/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["value"] != "dlq" {
		t.Fatalf("returned value = %q, want %q", resp["value"], "dlq")
	}
}

func TestConfig_GetUnsetKeyIsNotFound(t *testing.T) {
	h, _, _ := newTestHandler()
	router := newTestRouter(h)

	w := doJSON(t, router, http.MethodGet, "/config/never_set/", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusNotFound, w.Body.String())
	}
}

func TestConfig_PutPublishesChangeNotification(t *testing.T) {
	h, _, sub := newTestHandler()
	router := newTestRouter(h)

	ch, cancel := sub.Subscribe(t.Context(), queue.ConfigUpdatesTopic)
	defer cancel()

	w := doJSON(t, router, http.MethodPut, "/config/suppression_window_seconds/", configRequest{Value: "300"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	select {
	case msg := <-ch:
		if string(msg) != "suppression_window_seconds" {
			t.Fatalf("notification payload = %q, want %q", msg, "suppression_window_seconds")
		}
	default:
		t.Fatal("expected a config change notification to be published")
	}
}

func TestSLO_ReportsQueueDepthsAndQuarantineSize(t *testing.T) {
	h, _, sub := newTestHandler()
	router := newTestRouter(h)

	if err := sub.Enqueue(t.Context(), queue.AlertQueue, []byte("event-1")); err != nil {
		t.Fatalf("seeding alert queue: %v", err)
	}
	if err := sub.Enqueue(t.Context(), queue.Quarantine, []byte("bad-event")); err != nil {
		t.Fatalf("seeding quarantine: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/slo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var status sloStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if status.QueueDepths[queue.AlertQueue] != 1 {
		t.Fatalf("alert queue depth = %d, want 1", status.QueueDepths[queue.AlertQueue])
	}
	if status.QuarantineSize != 1 {
		t.Fatalf("quarantine size = %d, want 1", status.QuarantineSize)
	}
}
