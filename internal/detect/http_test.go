package detect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/httputil"
	"github.com/google/go-cmp/cmp"
)

func TestHTTPDetector_Infer(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"detections":[
		{"class":"ID CARD","confidence":0.91,"box":{"x":10,"y":20,"width":30,"height":40}},
		{"class":"NAME TAG","confidence":0.2}
	]}`)
	d := NewHTTPDetector(client, "http://detector:8000/", time.Second)

	got, err := d.Infer(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)), 0.35)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	want := []Sample{{Class: "ID CARD", Confidence: 0.91, Box: Box{X: 10, Y: 20, Width: 30, Height: 40}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Infer() mismatch (-want +got):\n%s", diff)
	}

	req := client.Requests[0]
	if req.URL.String() != "http://detector:8000/infer?conf=0.35" {
		t.Errorf("URL = %s", req.URL)
	}
	if req.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("Content-Type = %s", req.Header.Get("Content-Type"))
	}
	if _, err := jpeg.Decode(bytes.NewReader(client.Bodies[0])); err != nil {
		t.Errorf("posted body is not a JPEG: %v", err)
	}
}

func TestHTTPDetector_ServiceError(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusInternalServerError, "boom")
	d := NewHTTPDetector(client, "http://detector", 0)
	if _, err := d.Infer(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), 0.35); err == nil {
		t.Error("expected error")
	}
}

func TestHTTPDetector_Classes(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"classes":["NAME TAG","ID CARD"]}`)
	d := NewHTTPDetector(client, "http://detector", 0)
	got, err := d.Classes(context.Background())
	if err != nil {
		t.Fatalf("Classes() error = %v", err)
	}
	if diff := cmp.Diff([]string{"NAME TAG", "ID CARD"}, got); diff != "" {
		t.Errorf("Classes() mismatch (-want +got):\n%s", diff)
	}
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.White)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSnapshotCamera_GrabScales(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddBytesResponse(http.StatusOK, jpegBytes(t, 1280, 720))
	cam := NewSnapshotCamera(client, "http://camera/snapshot.jpg", time.Second)

	img, err := cam.Grab(context.Background())
	if err != nil {
		t.Fatalf("Grab() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 360 {
		t.Errorf("frame = %dx%d, want 640x360", b.Dx(), b.Dy())
	}
}

func TestSnapshotCamera_BadImage(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "not a jpeg")
	cam := NewSnapshotCamera(client, "http://camera/snapshot.jpg", 0)
	if _, err := cam.Grab(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestFit_SmallImageUnchanged(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	if Fit(img, 640, 480) != image.Image(img) {
		t.Error("small image should be returned as is")
	}
}

func TestProbe(t *testing.T) {
	if err := Probe(context.Background(), &fakeCamera{fails: []bool{true, false, false}}, 3, 2); err != nil {
		t.Errorf("Probe() = %v, want nil with 2 of 3 frames", err)
	}
	if err := Probe(context.Background(), &fakeCamera{fails: []bool{true, true, false}}, 3, 2); err == nil {
		t.Error("Probe() should fail with 1 of 3 frames")
	}
}
