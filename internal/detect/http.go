package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/httputil"
)

const maxInferResponse = 1 << 20

// HTTPDetector posts JPEG frames to an inference service.
//
//	POST {URL}/infer?conf=0.35   body: image/jpeg
//	-> {"detections":[{"class":"ID CARD","confidence":0.91,"box":{...}}]}
//	GET  {URL}/classes
//	-> {"classes":["NAME TAG", ...]}
type HTTPDetector struct {
	Client  httputil.HTTPClient
	URL     string
	Timeout time.Duration
	Quality int
}

type inferResponse struct {
	Detections []Sample `json:"detections"`
}

type classesResponse struct {
	Classes []string `json:"classes"`
}

// NewHTTPDetector returns a detector talking to baseURL.
func NewHTTPDetector(client httputil.HTTPClient, baseURL string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		Client:  client,
		URL:     strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Quality: 85,
	}
}

func (d *HTTPDetector) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Timeout)
}

// Infer implements Detector.
func (d *HTTPDetector) Infer(ctx context.Context, frame image.Image, threshold float64) ([]Sample, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: d.Quality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	ctx, cancel := d.context(ctx)
	defer cancel()

	q := url.Values{"conf": {strconv.FormatFloat(threshold, 'f', -1, 64)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL+"/infer?"+q.Encode(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	var resp inferResponse
	if err := httputil.DoJSON(d.Client, req, maxInferResponse, &resp); err != nil {
		return nil, err
	}
	// Services are not trusted to honour conf.
	out := resp.Detections[:0]
	for _, s := range resp.Detections {
		if s.Confidence >= threshold {
			out = append(out, s)
		}
	}
	return out, nil
}

// Classes implements ClassLister.
func (d *HTTPDetector) Classes(ctx context.Context) ([]string, error) {
	ctx, cancel := d.context(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL+"/classes", nil)
	if err != nil {
		return nil, err
	}
	var resp classesResponse
	if err := httputil.DoJSON(d.Client, req, maxInferResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Classes, nil
}
