// Package remote implements Engine variants backed by HTTP inference
// services. The service owns the model and the GPU; trackd ships frames as
// multipart JPEG uploads and maps the JSON responses onto the common
// detection shape.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"
)

const healthCacheTTL = 30 * time.Second

// client is the shared HTTP plumbing of the remote engines
type client struct {
	endpoint   string
	http       *http.Client
	mu         sync.Mutex
	healthy    bool
	lastHealth time.Time
}

func newClient(endpoint string) *client {
	return &client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// isHealthy checks the service health endpoint, caching the result briefly
// so per-frame calls do not hammer it.
func (c *client) isHealthy() bool {
	c.mu.Lock()
	if time.Since(c.lastHealth) < healthCacheTTL && c.healthy {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	resp, err := c.http.Get(c.endpoint + "/health")
	if err != nil {
		log.Printf("[RemoteEngine] health check failed for %s: %v", c.endpoint, err)
		c.setHealth(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	if !ok {
		log.Printf("[RemoteEngine] health check returned status %d for %s", resp.StatusCode, c.endpoint)
	}
	c.setHealth(ok)
	return ok
}

func (c *client) setHealth(ok bool) {
	c.mu.Lock()
	c.healthy = ok
	if ok {
		c.lastHealth = time.Now()
	}
	c.mu.Unlock()
}

// postFrame uploads a JPEG frame plus form fields and returns the raw
// response body.
func (c *client) postFrame(ctx context.Context, path string, jpegData []byte, fields map[string]string) ([]byte, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	fw.Write(jpegData)

	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		c.setHealth(false)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection failed (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
