package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	DEFAULT_FALLBACK_URL = "http://192.168.4.1/api/motor"
	FALLBACK_TIMEOUT     = 2 * time.Second
)

// Fallback posts motor commands to the kit's HTTP endpoint. The response body
// is not interpreted.
type Fallback struct {
	url    string
	client *http.Client
}

func NewFallback(url string) *Fallback {
	if url == "" {
		url = DEFAULT_FALLBACK_URL
	}

	return &Fallback{
		url:    url,
		client: &http.Client{Timeout: FALLBACK_TIMEOUT},
	}
}

func (f *Fallback) URL() string {
	return f.url
}

// Post sends one command. The request is abandoned when ctx ends.
func (f *Fallback) Post(ctx context.Context, id, speed int) error {
	body, err := json.Marshal(Command{ID: id, Speed: speed})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build fallback request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fallback request")
	}
	defer resp.Body.Close()
	io.Copy(ioutil.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("fallback returned status %d", resp.StatusCode)
	}

	return nil
}
