package export

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
)

func elasticServer(t *testing.T, bulkBody string, bulkStatus int) (*httptest.Server, *[]byte) {
	t.Helper()
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && r.URL.Path == "/netflows/_bulk" {
			captured, _ = io.ReadAll(r.Body)
			w.WriteHeader(bulkStatus)
			w.Write([]byte(bulkBody))
			return
		}
		// HEAD / and GET / for ping and product check.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestElasticDeliverBulk(t *testing.T) {
	srv, captured := elasticServer(t, `{"errors":false,"items":[]}`, http.StatusOK)

	sink, err := NewElastic(config.ElasticSink{URL: srv.URL, Index: "netflows"})
	require.NoError(t, err)

	batch := core.Batch{ID: "b1", Records: enrichedRecords(2)}
	require.NoError(t, sink.Deliver(context.Background(), batch))

	// One action line plus one document line per record.
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(*captured))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 4, lines)
	assert.Contains(t, string(*captured), `"_index":"netflows"`)
	assert.Contains(t, string(*captured), batch.Records[0].ID)
}

func TestElasticDeliverItemErrors(t *testing.T) {
	srv, _ := elasticServer(t, `{"errors":true,"items":[]}`, http.StatusOK)

	sink, err := NewElastic(config.ElasticSink{URL: srv.URL, Index: "netflows"})
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), core.Batch{Records: enrichedRecords(1)})
	assert.Error(t, err)
}

func TestElasticDeliverStatusError(t *testing.T) {
	srv, _ := elasticServer(t, `{"error":"unavailable"}`, http.StatusServiceUnavailable)

	sink, err := NewElastic(config.ElasticSink{URL: srv.URL, Index: "netflows"})
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), core.Batch{Records: enrichedRecords(1)})
	require.Error(t, err)
	assert.Equal(t, "HTTP 503", err.Error())
}

func TestElasticProbe(t *testing.T) {
	srv, _ := elasticServer(t, `{}`, http.StatusOK)
	sink, err := NewElastic(config.ElasticSink{URL: srv.URL, Index: "netflows"})
	require.NoError(t, err)
	assert.NoError(t, sink.Probe(context.Background()))
}
