package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/internal/history"
)

func TestOpenSearchSinkPostsDocument(t *testing.T) {
	var (
		gotPath string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "procmon-crashes")
	e := history.Event{
		Type:       history.EventCrash,
		OccurredAt: time.Now().UTC(),
		Record:     crashbin.Record{Key: 0xdeadbeef, Description: "access violation", TestNumber: 7},
	}
	require.NoError(t, s.Send(context.Background(), e))
	assert.Equal(t, "/procmon-crashes/_doc", gotPath)
	assert.Equal(t, "crash", gotBody["type"])
	rec := gotBody["record"].(map[string]any)
	assert.Equal(t, "0xdeadbeef", rec["key"])
	assert.EqualValues(t, 7, rec["test_number"])
}

func TestOpenSearchSinkReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventCrash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
