package logworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenSearchIndexerBulkIndexReportsFailures(t *testing.T) {
	var gotBody []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := json.NewDecoder(r.Body)
		for dec.More() {
			var line map[string]interface{}
			if err := dec.Decode(&line); err != nil {
				break
			}
			gotBody = append(gotBody, line)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": true,
			"items": []map[string]interface{}{
				{"create": map[string]interface{}{"_id": "doc1", "status": 201}},
				{"create": map[string]interface{}{"_id": "doc2", "status": 409, "error": map[string]interface{}{"type": "version_conflict_engine_exception"}}},
				{"create": map[string]interface{}{"_id": "doc3", "status": 400, "error": map[string]interface{}{"type": "mapper_parsing_exception"}}},
			},
		})
	}))
	defer server.Close()

	idx, err := NewOpenSearchIndexer([]string{server.URL})
	if err != nil {
		t.Fatalf("NewOpenSearchIndexer: %v", err)
	}

	failed, err := idx.BulkIndex(context.Background(), "killkrill-logs-2025.01.01", []IndexedDoc{
		{Index: "killkrill-logs-2025.01.01", ID: "doc1", Body: map[string]interface{}{"message": "a"}},
		{Index: "killkrill-logs-2025.01.01", ID: "doc2", Body: map[string]interface{}{"message": "b"}},
		{Index: "killkrill-logs-2025.01.01", ID: "doc3", Body: map[string]interface{}{"message": "c"}},
	})
	if err != nil {
		t.Fatalf("BulkIndex: %v", err)
	}
	if _, ok := failed["doc1"]; ok {
		t.Errorf("doc1 should not be reported as failed")
	}
	if _, ok := failed["doc2"]; ok {
		t.Errorf("doc2's version conflict should be treated as already-written, not a failure")
	}
	if _, ok := failed["doc3"]; !ok {
		t.Errorf("doc3's mapping error should be reported as failed")
	}
	if len(gotBody) != 6 {
		t.Fatalf("expected 3 action/doc NDJSON line pairs (6 lines), got %d", len(gotBody))
	}
}

func TestOpenSearchIndexerBulkIndexEmptyIsNoop(t *testing.T) {
	idx, err := NewOpenSearchIndexer([]string{"http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewOpenSearchIndexer: %v", err)
	}
	failed, err := idx.BulkIndex(context.Background(), "idx", nil)
	if err != nil || failed != nil {
		t.Fatalf("BulkIndex(empty) = (%v, %v), want (nil, nil)", failed, err)
	}
}
