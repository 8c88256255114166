package archive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/transport"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		rec    models.FileRecord
		want   string
	}{
		{
			"dated",
			"dashcam",
			models.FileRecord{Name: "2024_0321_011922_002.MP4", Time: "2024/03/21 01:19:22"},
			"dashcam/2024/03/2024_0321_011922_002.MP4",
		},
		{
			"no prefix",
			"",
			models.FileRecord{Name: "a.MP4", Time: "2023/12/31 23:59:59"},
			"2023/12/a.MP4",
		},
		{
			"bad time",
			"dashcam",
			models.FileRecord{Name: "a.MP4", Time: "yesterday"},
			"dashcam/unsorted/a.MP4",
		},
		{
			"name from path",
			"p",
			models.FileRecord{Path: `A:\CARDV\MOVIE\b.MP4`, Time: "2024/01/02 00:00:00"},
			"p/2024/01/b.MP4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.prefix, tt.rec); got != tt.want {
				t.Errorf("Key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpointURL(t *testing.T) {
	if got := endpointURL("minio:9000", false); got != "http://minio:9000" {
		t.Errorf("got %q", got)
	}
	if got := endpointURL("minio:9000", true); got != "https://minio:9000" {
		t.Errorf("got %q", got)
	}
	if got := endpointURL("http://x:1", true); got != "http://x:1" {
		t.Errorf("explicit scheme should win, got %q", got)
	}
	if got := endpointURL("", true); got != "" {
		t.Errorf("empty endpoint should stay empty, got %q", got)
	}
}

func TestContentType(t *testing.T) {
	if contentType("a/b.MP4") != "video/mp4" || contentType("x.bin") != "application/octet-stream" {
		t.Error("content type mapping")
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	puts    map[string][]byte
	ctype   string
	heads   int
	creates int
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodHead:
		s.heads++
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/footage" {
			s.creates++
		} else {
			s.puts[r.URL.Path] = body
			s.ctype = r.Header.Get("Content-Type")
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestArchive(t *testing.T) {
	content := bytes.Repeat([]byte("frame"), 1000)
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/CARDV/MOVIE/a.MP4" {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer device.Close()

	store := &fakeS3{puts: make(map[string][]byte)}
	s3srv := httptest.NewServer(store)
	defer s3srv.Close()

	client := transport.New(transport.Config{BaseURL: device.URL})
	a, err := New(context.Background(), Config{
		Endpoint:  s3srv.URL,
		Bucket:    "footage",
		AccessKey: "key",
		SecretKey: "secret",
		Region:    "us-east-1",
		Prefix:    "/dashcam/",
	}, client, device.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := a.Archive(context.Background(), models.FileRecord{
		Name: "a.MP4",
		Path: `A:\CARDV\MOVIE\a.MP4`,
		Time: "2024/03/21 01:19:22",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "dashcam/2024/03/a.MP4" {
		t.Errorf("key = %q", key)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	body, ok := store.puts["/footage/dashcam/2024/03/a.MP4"]
	if !ok {
		t.Fatalf("object not uploaded, have %v", store.puts)
	}
	if !bytes.Contains(body, content) {
		t.Errorf("uploaded %d bytes, content mismatch", len(body))
	}
	if store.ctype != "video/mp4" {
		t.Errorf("content type = %q", store.ctype)
	}
	if store.heads != 1 || store.creates != 0 {
		t.Errorf("heads=%d creates=%d", store.heads, store.creates)
	}
}

func TestArchive_DeviceMissingFile(t *testing.T) {
	device := httptest.NewServer(http.NotFoundHandler())
	defer device.Close()
	store := &fakeS3{puts: make(map[string][]byte)}
	s3srv := httptest.NewServer(store)
	defer s3srv.Close()

	a, err := New(context.Background(), Config{
		Endpoint: s3srv.URL, Bucket: "footage", AccessKey: "k", SecretKey: "s", Region: "us-east-1",
	}, transport.New(transport.Config{BaseURL: device.URL}), device.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Archive(context.Background(), models.FileRecord{Name: "x.MP4", Path: `A:\x.MP4`}); err == nil {
		t.Error("expected error for a missing recording")
	}
	if len(store.puts) != 0 {
		t.Error("nothing should be uploaded")
	}
}
