package inmemory

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rewire/pkg/simulated"
)

func TestTransportBasic(t *testing.T) {
	executed := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executed = true
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message": "hello world"}`))
	})

	transport := New(handler)
	req, err := http.NewRequest("GET", "http://example.com/test", nil)
	require.NoError(t, err)
	require.False(t, executed)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.True(t, executed)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "201 Created", resp.Status)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, []string{"test-value"}, resp.Header.Values("X-Custom"))
	require.Equal(t, "26", resp.Header.Get("Content-Length"))
	require.Equal(t, int64(26), resp.ContentLength)
	require.Same(t, req, resp.Request)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, `{"message": "hello world"}`, string(body))
}

func TestTransportRequestIsSimulated(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr, ok := simulated.RequestFrom(r)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = fmt.Fprintf(w, "%s %s %s %s", sr.Mode(), r.Host, r.RequestURI, sr.Origin.URL.Host)
	})

	resp, err := NewClient(handler).Get("http://example.com/q?x=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "empty example.com /q?x=1 example.com", string(body))
}

func TestTransportWithClient(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("healthy"))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Echo-Method", r.Method)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not found"))
		}
	})

	client := NewClient(handler)

	resp, err := client.Get("http://example.com/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "healthy", string(body))

	resp, err = client.Post("http://example.com/echo", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "POST", resp.Header.Get("Echo-Method"))
	require.Equal(t, "hello", string(body))
}

func TestTransportStatusCodes(t *testing.T) {
	testCases := []struct {
		name           string
		handlerStatus  int
		expectedStatus int
	}{
		{"OK", http.StatusOK, http.StatusOK},
		{"Created", http.StatusCreated, http.StatusCreated},
		{"BadRequest", http.StatusBadRequest, http.StatusBadRequest},
		{"NotFound", http.StatusNotFound, http.StatusNotFound},
		{"InternalServerError", http.StatusInternalServerError, http.StatusInternalServerError},
		{"NoStatusSet", 0, http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.handlerStatus != 0 {
					w.WriteHeader(tc.handlerStatus)
				}
				_, _ = w.Write([]byte("response"))
			})

			req, err := http.NewRequest("GET", "http://example.com/test", nil)
			require.NoError(t, err)

			resp, err := New(handler).RoundTrip(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tc.expectedStatus, resp.StatusCode)
		})
	}
}

func TestTransportHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range r.Header {
			w.Header()[fmt.Sprintf("Echo-%s", k)] = v
		}
		w.Header().Add("Set-Cookie", "cookie1=value1")
		w.Header().Add("Set-Cookie", "cookie2=value2")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	req, err := http.NewRequest("GET", "http://example.com/test", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token123")
	req.Header.Set("X-Custom", "test-value")

	resp, err := New(handler).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "Bearer token123", resp.Header.Get("Echo-Authorization"))
	require.Equal(t, "test-value", resp.Header.Get("Echo-X-Custom"))
	require.Empty(t, resp.Header.Get("Echo-Host"))
	require.Equal(t, []string{"cookie1=value1", "cookie2=value2"}, resp.Header.Values("Set-Cookie"))
}

func TestTransportRequestBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Echo-Content-Length", fmt.Sprintf("%d", r.ContentLength))
		w.Header().Set("Echo-Content-Type", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(fmt.Sprintf("Received: %s", string(body))))
	})

	testBody := `{"test": "data", "number": 42}`
	req, err := http.NewRequest("POST", "http://example.com/echo", strings.NewReader(testBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := New(handler).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Echo-Content-Type"))
	require.Equal(t, fmt.Sprintf("%d", len(testBody)), resp.Header.Get("Echo-Content-Length"))
	require.Equal(t, fmt.Sprintf("Received: %s", testBody), string(body))
}

func TestTransportLargeResponse(t *testing.T) {
	largeData := strings.Repeat("abcdefghij", 10000)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < len(largeData); i += 1000 {
			_, _ = w.Write([]byte(largeData[i : i+1000]))
		}
	})

	req, err := http.NewRequest("GET", "http://example.com/large", nil)
	require.NoError(t, err)

	resp, err := New(handler).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, largeData, string(body))
}

func TestTransportHandlerFailures(t *testing.T) {
	testCases := []struct {
		name        string
		handler     http.HandlerFunc
		errContains string
	}{
		{
			name: "panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("exploded")
			},
			errContains: "handler panicked: exploded",
		},
		{
			name: "explicit failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				simulated.Fail(w, fmt.Errorf("upstream gone"))
			},
			errContains: "handler failed: upstream gone",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", "http://example.com/test", nil)
			require.NoError(t, err)

			resp, err := New(tc.handler).RoundTrip(req)
			require.Nil(t, resp)
			require.ErrorContains(t, err, tc.errContains)
		})
	}
}

func TestTransportNilHandler(t *testing.T) {
	req, err := http.NewRequest("GET", "http://example.com/test", nil)
	require.NoError(t, err)

	resp, err := New(nil).RoundTrip(req)
	require.Nil(t, resp)
	require.ErrorContains(t, err, "no handler configured")
}

func TestTransportCloseWithoutRead(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("test"))
	})

	req, err := http.NewRequest("GET", "http://example.com/test", nil)
	require.NoError(t, err)

	resp, err := New(handler).RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	n, err := resp.Body.Read(make([]byte, 10))
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func BenchmarkTransport(b *testing.B) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	})

	transport := New(handler)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req, err := http.NewRequest("GET", "http://example.com/test", nil)
			if err != nil {
				b.Fatal(err)
			}

			resp, err := transport.RoundTrip(req)
			if err != nil {
				b.Fatal(err)
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	})
}

func BenchmarkTransportWithBody(b *testing.B) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	})

	transport := New(handler)
	testData := strings.Repeat("test data ", 100)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req, _ := http.NewRequest("POST", "http://example.com/echo", strings.NewReader(testData))
		resp, err := transport.RoundTrip(req)
		if err != nil {
			b.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
