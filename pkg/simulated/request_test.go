package simulated

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rewire/pkg/streambuf"
)

type recorder struct {
	chunks [][]byte
	ends   int
}

func (r *recorder) Push(chunk []byte) bool {
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	return true
}

func (r *recorder) End() {
	r.ends++
}

func TestNewRequestValidation(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		errContains string
	}{
		{
			name:        "missing path",
			opts:        Options{Method: http.MethodGet},
			errContains: "path is required",
		},
		{
			name:        "relative path",
			opts:        Options{Path: "test/bar"},
			errContains: "must be absolute",
		},
		{
			name:        "invalid method",
			opts:        Options{Method: "GE T", Path: "/"},
			errContains: "invalid method",
		},
		{
			name: "two body sources",
			opts: Options{
				Path:    "/",
				Body:    streambuf.NewReadableBuffer([]byte("a")),
				Forward: strings.NewReader("b"),
			},
			errContains: "only one of a buffered or a forwarded body",
		},
		{
			name:        "invalid header name",
			opts:        Options{Path: "/", Header: http.Header{"Bad Header": {"x"}}},
			errContains: "invalid header field name",
		},
		{
			name:        "invalid header value",
			opts:        Options{Path: "/", Header: http.Header{"X-Foo": {"a\r\nb"}}},
			errContains: "invalid value for header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(context.Background(), tt.opts)
			require.Nil(t, req)
			require.ErrorIs(t, err, ErrInvalidOptions)
			require.ErrorContains(t, err, tt.errContains)
		})
	}
}

func TestNewRequestDefaults(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{Path: "/test/bar?baz=qux"})
	require.NoError(t, err)

	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, EmptyBody, req.Mode())
	require.NotEmpty(t, req.ID)

	hr := req.HTTP()
	require.Equal(t, http.MethodGet, hr.Method)
	require.Equal(t, "/test/bar", hr.URL.Path)
	require.Equal(t, "qux", hr.URL.Query().Get("baz"))
	require.Equal(t, "/test/bar?baz=qux", hr.RequestURI)
	require.Equal(t, int64(0), hr.ContentLength)
	require.NotNil(t, hr.Body)

	found, ok := RequestFrom(hr)
	require.True(t, ok)
	require.Same(t, req, found)

	_, ok = RequestFrom(httptestRequest(t))
	require.False(t, ok)
}

func httptestRequest(t *testing.T) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	return r
}

func TestNewRequestHeaders(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{
		Path: "/",
		Header: http.Header{
			"X-Foo": {"a"},
			"x-bar": {"b", "c"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, map[string]string{"x-foo": "a", "x-bar": "b, c"}, req.Headers)
	require.Equal(t, []string{"a"}, req.RawHeader["X-Foo"])
	require.Equal(t, []string{"b", "c"}, req.RawHeader["x-bar"])

	hr := req.HTTP()
	require.Equal(t, "a", hr.Header.Get("x-foo"))
	require.Equal(t, []string{"b", "c"}, hr.Header.Values("X-Bar"))
}

func TestNewRequestOrigin(t *testing.T) {
	origin := httptestRequest(t)
	origin.RemoteAddr = "10.0.0.1:1234"

	req, err := NewRequest(context.Background(), Options{Path: "/", Origin: origin})
	require.NoError(t, err)
	require.Equal(t, "example.com", req.HTTP().Host)
	require.Equal(t, "10.0.0.1:1234", req.HTTP().RemoteAddr)
	require.Same(t, origin, req.Origin)

	req, err = NewRequest(context.Background(), Options{
		Path:   "/",
		Origin: origin,
		Header: http.Header{"Host": {"internal.local"}},
	})
	require.NoError(t, err)
	require.Equal(t, "internal.local", req.HTTP().Host)
	require.Empty(t, req.HTTP().Header.Get("Host"))
}

func TestBufferedBody(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"baz":"baz"}`),
		bytes.Repeat([]byte{0, 1, 2, 3}, 5000),
		{},
	}

	for _, input := range inputs {
		req, err := NewRequest(context.Background(), Options{
			Method: http.MethodPost,
			Path:   "/",
			Body:   streambuf.NewReadableBuffer(input),
		})
		require.NoError(t, err)
		require.Equal(t, BufferedBody, req.Mode())
		require.Equal(t, int64(len(input)), req.HTTP().ContentLength)

		got, err := io.ReadAll(req.HTTP().Body)
		require.NoError(t, err)
		require.Len(t, got, len(input))
		require.True(t, bytes.Equal(input, got))

		select {
		case <-req.Ended():
		default:
			t.Fatal("expected end of body to be signaled")
		}
	}
}

func TestBufferedBodyContentLengthHeader(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{
		Path:   "/",
		Header: http.Header{"Content-Length": {"3"}},
		Body:   streambuf.NewReadableBuffer([]byte("abc")),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), req.HTTP().ContentLength)
	require.Equal(t, "3", req.Headers["content-length"])
}

func TestBufferedBodyPullSignalsEnd(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{
		Path: "/",
		Body: streambuf.NewReadableBuffer([]byte("abcdef")),
	})
	require.NoError(t, err)

	rec := &recorder{}
	req.Pull(4, rec)
	require.Equal(t, [][]byte{[]byte("abcd"), []byte("ef")}, rec.chunks)
	require.Equal(t, 1, rec.ends)

	select {
	case <-req.Ended():
	default:
		t.Fatal("expected end of body to be signaled")
	}

	n, err := req.Read(make([]byte, 4))
	require.Zero(t, n)
	require.Equal(t, io.EOF, err)
}

func TestForwardedBody(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{
		Method:  http.MethodPut,
		Path:    "/",
		Forward: strings.NewReader("streamed body"),
	})
	require.NoError(t, err)
	require.Equal(t, ForwardedBody, req.Mode())
	require.Equal(t, int64(-1), req.HTTP().ContentLength)

	rec := &recorder{}
	req.Pull(5, rec)
	require.Equal(t, "streamed body", string(bytes.Join(rec.chunks, nil)))
	require.Equal(t, 1, rec.ends)

	req.Pull(5, rec)
	require.Equal(t, 1, rec.ends)

	n, err := req.HTTP().Body.Read(make([]byte, 1))
	require.Zero(t, n)
	require.Equal(t, io.EOF, err)
}

// stallingReader returns (0, nil) on every other Read.
type stallingReader struct {
	r     io.Reader
	reads int
}

func (s *stallingReader) Read(p []byte) (int, error) {
	s.reads++
	if s.reads%2 == 1 {
		return 0, nil
	}
	return s.r.Read(p)
}

func TestForwardedBodyPullStopsOnEmptyRead(t *testing.T) {
	src := &stallingReader{r: strings.NewReader("abcdef")}
	req, err := NewRequest(context.Background(), Options{Path: "/", Forward: src})
	require.NoError(t, err)

	rec := &recorder{}
	req.Pull(4, rec)
	require.Empty(t, rec.chunks)
	require.Zero(t, rec.ends)
	require.Equal(t, 1, src.reads)

	for i := 0; i < 10 && rec.ends == 0; i++ {
		req.Pull(4, rec)
	}
	require.Equal(t, "abcdef", string(bytes.Join(rec.chunks, nil)))
	require.Equal(t, []string{"abcd", "ef"}, []string{string(rec.chunks[0]), string(rec.chunks[1])})
	require.Equal(t, 1, rec.ends)
}

func TestForwardedBodyRead(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{
		Path:    "/",
		Forward: strings.NewReader("forward me"),
	})
	require.NoError(t, err)

	got, err := io.ReadAll(req.HTTP().Body)
	require.NoError(t, err)
	require.Equal(t, "forward me", string(got))
	require.NoError(t, req.HTTP().Body.Close())

	select {
	case <-req.Ended():
	default:
		t.Fatal("expected end of body to be signaled")
	}
}

func TestPipeEndsReceiverInEveryMode(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		expected string
	}{
		{
			name:     "empty",
			opts:     Options{Path: "/"},
			expected: "",
		},
		{
			name:     "buffered",
			opts:     Options{Path: "/", Body: streambuf.NewReadableBuffer([]byte("buffered"))},
			expected: "buffered",
		},
		{
			name:     "forwarded",
			opts:     Options{Path: "/", Forward: strings.NewReader("forwarded")},
			expected: "forwarded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(context.Background(), tt.opts)
			require.NoError(t, err)

			sink := streambuf.NewWritableBuffer(nil)
			n, err := req.Pipe(sink)
			require.NoError(t, err)
			require.Equal(t, int64(len(tt.expected)), n)
			require.Equal(t, tt.expected, string(sink.Bytes()))

			select {
			case <-sink.Finished():
			default:
				t.Fatal("expected receiver to be ended")
			}
			select {
			case <-req.Ended():
			default:
				t.Fatal("expected end of body to be signaled")
			}
		})
	}
}

func TestEmptyBody(t *testing.T) {
	req, err := NewRequest(context.Background(), Options{Path: "/"})
	require.NoError(t, err)

	select {
	case <-req.Ended():
	default:
		t.Fatal("expected empty body to be ended immediately")
	}

	rec := &recorder{}
	for i := 0; i < 2; i++ {
		n, err := req.Read(make([]byte, 8))
		require.Zero(t, n)
		require.Equal(t, io.EOF, err)

		req.Pull(8, rec)
		require.Empty(t, rec.chunks)
		require.Equal(t, 1, rec.ends)

		sink := streambuf.NewWritableBuffer(nil)
		n64, err := req.Pipe(sink)
		require.NoError(t, err)
		require.Zero(t, n64)
		require.Zero(t, sink.Len())
	}
}

func TestBodyModeString(t *testing.T) {
	require.Equal(t, "empty", EmptyBody.String())
	require.Equal(t, "buffered", BufferedBody.String())
	require.Equal(t, "forwarded", ForwardedBody.String())
	require.Equal(t, "BodyMode(7)", BodyMode(7).String())
}
