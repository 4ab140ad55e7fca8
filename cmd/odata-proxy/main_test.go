package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/sap-odata-client/internal/testutil"
	"github.com/Sternrassler/sap-odata-client/pkg/cache"
	"github.com/Sternrassler/sap-odata-client/pkg/client"
)

const servicePathForTest = "/sap/opu/odata/sap/ZSALES_SRV/"

func setupProxy(t *testing.T) (*testutil.MockGateway, http.Handler) {
	t.Helper()

	gw := testutil.NewMockGateway()
	t.Cleanup(gw.Close)

	cfg := client.DefaultConfig(cache.NewMemoryStore(), client.Credentials{
		Host:     gw.URL(),
		AuthMode: client.AuthBasic,
		Username: "DEVELOPER",
		Password: "secret",
	})
	cfg.ServicePath = client.FromCustom(servicePathForTest)
	cfg.AllowPrivateHosts = true
	cfg.Retry.MaxAttempts = 1

	c, err := client.New(cfg, client.WithTransport(gw.Client()), client.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("Failed to create OData client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return gw, newMux(c, nil, zerolog.Nop())
}

func serve(h http.Handler, method, target string, body io.Reader) *http.Response {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)

	_, ping, closeStore, err := newStore(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}
	defer closeStore()

	handler := readyHandler(ping)

	t.Run("ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		mr.Close()

		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})

	t.Run("memory_store_always_ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		readyHandler(nil)(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, ping, closeStore, err := newStore(ctx, "")
		require.NoError(t, err)
		defer closeStore()
		assert.IsType(t, &cache.MemoryStore{}, store)
		assert.Nil(t, ping)
	})

	t.Run("redis url", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, _, closeStore, err := newStore(ctx, "redis://"+mr.Addr()+"/0")
		require.NoError(t, err)
		defer closeStore()

		require.NoError(t, store.Set(ctx, "sap:ping", []byte("1"), 0))
		assert.True(t, mr.Exists("sap:ping"))
	})

	t.Run("bad url", func(t *testing.T) {
		_, _, _, err := newStore(ctx, "redis://:bad:url")
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, _, _, err := newStore(ctx, addr)
		assert.Error(t, err)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	_, handler := setupProxy(t)

	resp := serve(handler, "GET", "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	// Plain counters are exported before any request is made
	if !strings.Contains(bodyStr, "odata_throttle_denied_total") {
		t.Error("Expected metrics output to contain odata_throttle_denied_total")
	}
}

func TestODataProxy_GetPassthrough(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetResponse(servicePathForTest+"OrderSet('42')", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"d":{"ID":"42"}}`,
		Headers:    map[string]string{"Content-Type": "application/json", "ETag": `W/"1"`},
	})

	resp := serve(handler, "GET", "/odata/OrderSet('42')?$select=ID", nil)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"d":{"ID":"42"}}`, string(body))
	assert.Equal(t, `W/"1"`, resp.Header.Get("ETag"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	reqs := gw.RequestsTo(servicePathForTest + "OrderSet('42')")
	require.Len(t, reqs, 1)
	assert.Equal(t, "$select=ID", reqs[0].RawQuery)
}

func TestODataProxy_GetAll(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetSequence(servicePathForTest+"OrderSet",
		testutil.NewJSONResponse(testutil.V2Collection(
			[]map[string]any{{"ID": "1"}, {"ID": "2"}},
			gw.URL()+servicePathForTest+"OrderSet?$skiptoken=2",
		)),
		testutil.NewJSONResponse(testutil.V2Collection([]map[string]any{{"ID": "3"}}, "")),
	)

	resp := serve(handler, "GET", "/odata/OrderSet?all=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out collectionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 3, out.Count)
	assert.Len(t, out.Results, 3)
	assert.False(t, out.Partial)

	reqs := gw.RequestsTo(servicePathForTest + "OrderSet")
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].RawQuery, "all=")
}

func TestODataProxy_PostUsesCSRF(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetResponse(servicePathForTest+"OrderSet", testutil.MockResponse{
		StatusCode: http.StatusCreated,
		Body:       `{"d":{"ID":"7"}}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	})

	resp := serve(handler, "POST", "/odata/OrderSet", strings.NewReader(`{"ID":"7"}`))

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, gw.GetCSRFFetchCount())

	reqs := gw.RequestsTo(servicePathForTest + "OrderSet")
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, "POST", last.Method)
	assert.Equal(t, `{"ID":"7"}`, last.Body)
	assert.Equal(t, "application/json", last.Header.Get("Content-Type"))
	assert.Equal(t, testutil.DefaultCSRFToken, last.Header.Get("X-CSRF-Token"))
}

func TestODataProxy_ErrorMapping(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetResponse(servicePathForTest+"OrderSet('9')", testutil.NewErrorResponse(
		http.StatusBadRequest, "ZSD/042", "Order 9 is locked",
	))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantKind   client.ErrorKind
	}{
		{name: "sap client error", target: "/odata/OrderSet('9')", wantStatus: http.StatusBadRequest, wantKind: client.KindClient},
		{name: "unknown resource", target: "/odata/NoSuchSet", wantStatus: http.StatusNotFound, wantKind: client.KindNotFound},
		{name: "empty resource", target: "/odata/?all=true", wantStatus: http.StatusBadRequest, wantKind: client.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(handler, "GET", tt.target, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var out struct {
				Error errorBody `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.wantKind, out.Error.Kind)
		})
	}

	resp := serve(handler, "GET", "/odata/OrderSet('9')", nil)
	var out struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ZSD/042", out.Error.Code)
	assert.Equal(t, "Order 9 is locked", out.Error.Message)
}

func TestBatchHandler(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetHandler(servicePathForTest+"$batch", testutil.EchoBatch)

	payload, _ := json.Marshal(map[string]any{
		"operations": []map[string]any{
			{"type": "GET", "entitySet": "OrderSet", "entityKey": "1"},
			{"type": "CREATE", "entitySet": "OrderSet", "data": map[string]any{"ID": "2"}},
		},
	})

	resp := serve(handler, "POST", "/batch", bytes.NewReader(payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out batchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 2)
	for i, r := range out.Results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Success)
	}
	assert.Nil(t, out.Error)
	assert.Len(t, gw.RequestsTo(servicePathForTest+"$batch"), 1)
}

func TestBatchHandler_Rejections(t *testing.T) {
	gw, handler := setupProxy(t)

	t.Run("method", func(t *testing.T) {
		resp := serve(handler, "GET", "/batch", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("malformed json", func(t *testing.T) {
		resp := serve(handler, "POST", "/batch", strings.NewReader("{"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get inside changeset", func(t *testing.T) {
		payload := `{"useChangeSet":true,"operations":[{"type":"GET","entitySet":"OrderSet","entityKey":"1"}]}`
		resp := serve(handler, "POST", "/batch", strings.NewReader(payload))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	assert.Empty(t, gw.RequestsTo(servicePathForTest+"$batch"), "nothing may reach the server")
}

func TestEntitySetsHandler(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetResponse(servicePathForTest+"$metadata", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body: `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="1.0" xmlns:edmx="http://schemas.microsoft.com/ado/2007/06/edmx">
  <edmx:DataServices>
    <Schema Namespace="ZSALES_SRV" xmlns="http://schemas.microsoft.com/ado/2008/09/edm">
      <EntityType Name="Order"><Key><PropertyRef Name="ID"/></Key><Property Name="ID" Type="Edm.String" Nullable="false"/></EntityType>
      <EntityContainer Name="ZSALES_SRV_Entities" m:IsDefaultEntityContainer="true" xmlns:m="http://schemas.microsoft.com/ado/2007/08/dataservices/metadata">
        <EntitySet Name="OrderSet" EntityType="ZSALES_SRV.Order"/>
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`,
		Headers: map[string]string{"Content-Type": "application/xml"},
	})

	for i := 0; i < 2; i++ {
		resp := serve(handler, "GET", "/entitysets", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			EntitySets []string `json:"entitySets"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, []string{"OrderSet"}, out.EntitySets)
	}
	assert.Len(t, gw.RequestsTo(servicePathForTest+"$metadata"), 1, "second call is served from cache")
}

func TestCatalogHandler(t *testing.T) {
	gw, handler := setupProxy(t)
	gw.SetResponse(client.CatalogServicePath+"ServiceCollection", testutil.NewJSONResponse(testutil.V2Collection(
		[]map[string]any{{
			"ID":                      "ZSALES_SRV_0001",
			"TechnicalServiceName":    "ZSALES_SRV",
			"TechnicalServiceVersion": 1,
			"Title":                   "Sales",
			"ServiceUrl":              gw.URL() + servicePathForTest,
		}}, "",
	)))

	resp := serve(handler, "GET", "/services", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Services []client.CatalogService `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Services, 1)
	assert.Equal(t, "ZSALES_SRV", out.Services[0].TechnicalName)
}
