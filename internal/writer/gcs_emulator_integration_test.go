package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestGCSWriterEmulatorLifecycle exercises the real storage client
// against a local fake-gcs-server emulator, the way the teacher's
// bucket emulator integration test does -- skipped unless explicitly
// opted into, since this project has no toolchain access to run it
// here.
func TestGCSWriterEmulatorLifecycle(t *testing.T) {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("FHIRQUEUE_RUN_GCS_EMULATOR_INTEGRATION")), "true") {
		t.Skip("set FHIRQUEUE_RUN_GCS_EMULATOR_INTEGRATION=true to run emulator integration tests")
	}

	emulatorHost := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST"))
	if emulatorHost == "" {
		emulatorHost = "http://127.0.0.1:4443"
	}
	emulatorHost = strings.TrimRight(emulatorHost, "/")
	if !isEmulatorReachable(emulatorHost) {
		t.Skipf("storage emulator not reachable at %s", emulatorHost)
	}
	t.Setenv("STORAGE_EMULATOR_HOST", emulatorHost)

	bucketName := fmt.Sprintf("fhirqueue-it-%d", time.Now().UnixNano())
	createBucketIfMissing(t, emulatorHost, bucketName)

	ctx := context.Background()
	w, err := NewGCSWriter(ctx, bucketName)
	if err != nil {
		t.Fatalf("NewGCSWriter: %v", err)
	}

	key := "extracts/patient/window-1.ndjson"
	if err := w.WriteObject(ctx, key, []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	exists, err := w.ObjectExists(ctx, key)
	if err != nil {
		t.Fatalf("ObjectExists: %v", err)
	}
	if !exists {
		t.Fatalf("expected object %s to exist after write", key)
	}

	if err := w.DeleteObject(ctx, key); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	exists, err = w.ObjectExists(ctx, key)
	if err != nil {
		t.Fatalf("ObjectExists after delete: %v", err)
	}
	if exists {
		t.Fatalf("expected object %s to be gone after delete", key)
	}
}

func isEmulatorReachable(emulatorHost string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(emulatorHost + "/storage/v1/b?project=local-dev")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func createBucketIfMissing(t *testing.T, emulatorHost, bucket string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"name": bucket})
	if err != nil {
		t.Fatalf("marshal bucket: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, emulatorHost+"/storage/v1/b?project=local-dev", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("create bucket %q: %v", bucket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict {
		return
	}
	body, _ := io.ReadAll(resp.Body)
	t.Fatalf("create bucket %q failed: status=%d body=%s", bucket, resp.StatusCode, strings.TrimSpace(string(body)))
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"a.parquet": "application/vnd.apache.parquet",
		"a.json":    "application/json",
		"a.ndjson":  "application/json",
		"a.csv":     "text/csv",
		"a.bin":     "application/octet-stream",
		"noext":     "application/octet-stream",
	}
	for key, want := range cases {
		if got := contentTypeForKey(key); got != want {
			t.Errorf("contentTypeForKey(%q) = %q, want %q", key, got, want)
		}
	}
}
