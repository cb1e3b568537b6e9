package feedback

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/detect"
)

// Screen size in pixels.
const (
	ScreenWidth  = 640
	ScreenHeight = 480
)

var (
	colBlack  = color.RGBA{0, 0, 0, 255}
	colWhite  = color.RGBA{255, 255, 255, 255}
	colGreen  = color.RGBA{0, 220, 0, 255}
	colRed    = color.RGBA{230, 0, 0, 255}
	colYellow = color.RGBA{255, 220, 0, 255}
	colCyan   = color.RGBA{0, 220, 220, 255}
	colGrey   = color.RGBA{100, 100, 100, 255}
	colLight  = color.RGBA{200, 200, 200, 255}
	colOrange = color.RGBA{255, 165, 0, 255}
)

// Box colours per class; anything else is drawn in orange.
var classColors = map[string]color.RGBA{
	"NAME TAG":      colGreen,
	"PIN CITA CITA": colCyan,
	"ID CARD":       colYellow,
}

var face = basicfont.Face7x13

const (
	glyphHeight = 13
	glyphAscent = 11
)

func blank() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, ScreenWidth, ScreenHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(colBlack), image.Point{}, draw.Src)
	return img
}

func textWidth(s string, scale int) int {
	return font.MeasureString(face, s).Ceil() * scale
}

// drawText draws s with its top-left corner at (x, y), enlarged by an integer
// scale with nearest-neighbour sampling.
func drawText(dst draw.Image, x, y, scale int, c color.Color, s string) {
	if s == "" {
		return
	}
	if scale < 1 {
		scale = 1
	}
	w := font.MeasureString(face, s).Ceil()
	tmp := image.NewRGBA(image.Rect(0, 0, w, glyphHeight))
	d := &font.Drawer{
		Dst:  tmp,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, glyphAscent),
	}
	d.DrawString(s)
	target := image.Rect(x, y, x+w*scale, y+glyphHeight*scale)
	xdraw.NearestNeighbor.Scale(dst, target, tmp, tmp.Bounds(), xdraw.Over, nil)
}

func drawCentered(dst draw.Image, y, scale int, c color.Color, s string) {
	x := (dst.Bounds().Dx() - textWidth(s, scale)) / 2
	drawText(dst, max(x, 0), y, scale, c, s)
}

func fillRect(dst draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, t int) {
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), c)
	fillRect(dst, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), c)
}

func secondsLeft(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// WaitingScreen is the idle prompt. tick animates the status dots.
func WaitingScreen(now time.Time, tick int) *image.RGBA {
	img := blank()
	drawCentered(img, 80, 4, colWhite, "SISTEM PRESENSI")
	drawCentered(img, 200, 3, colWhite, "Tempelkan Kartu RFID Anda")
	dots := [...]string{"", ".", "..", "..."}[tick%4]
	drawCentered(img, 300, 2, colYellow, "Status: Menunggu Kartu"+dots)
	drawCentered(img, 420, 2, colLight, now.Format("Mon 02 Jan 2006 15:04:05"))
	return img
}

// AcceptedScreen greets a badge that passed the daily gate.
func AcceptedScreen(p badge.Payload) *image.RGBA {
	img := blank()
	drawCentered(img, 60, 4, colWhite, "KARTU TERDETEKSI")
	drawText(img, 50, 150, 2, colWhite, "Nama: "+p.Name)
	drawText(img, 50, 190, 2, colWhite, "Jurusan: "+p.Department)
	drawText(img, 50, 230, 2, colWhite, "Angkatan: "+p.Cohort)
	drawText(img, 50, 300, 2, colYellow, "Memulai deteksi atribut...")
	return img
}

// AlreadyTappedScreen tells a student they have checked in today.
func AlreadyTappedScreen(name string, remaining time.Duration) *image.RGBA {
	img := blank()
	drawCentered(img, 120, 3, colRed, "SUDAH PRESENSI HARI INI")
	if name != "" {
		drawCentered(img, 180, 2, colWhite, name)
	}
	drawCentered(img, 220, 2, colWhite, "Kartu sudah digunakan hari ini")
	drawCentered(img, 260, 2, colWhite, "Silakan kembali besok")
	drawCentered(img, 340, 2, colYellow, fmt.Sprintf("Kembali dalam: %d detik", secondsLeft(remaining)))
	return img
}

// ResultScreen summarises a finished detection window.
func ResultScreen(p badge.Payload, v detect.Verdict, required []string) *image.RGBA {
	img := blank()
	title, status, col := "GAGAL!", "Atribut tidak lengkap", colRed
	if v.Success {
		title, status, col = "BERHASIL!", "Semua atribut lengkap", colGreen
	}
	drawCentered(img, 40, 4, col, title)
	drawCentered(img, 110, 2, colWhite, status)
	drawText(img, 50, 160, 2, colWhite, "Nama: "+p.Name)

	detected := make(map[string]bool, len(v.Detected))
	for _, c := range v.Detected {
		detected[c] = true
	}
	y := 210
	for _, obj := range required {
		mark, c := "[X]", colRed
		if detected[obj] {
			mark, c = "[OK]", colGreen
			if conf, ok := v.ConfidenceByClass[obj]; ok {
				obj = fmt.Sprintf("%s (%.2f)", obj, conf)
			}
		}
		drawText(img, 70, y, 2, c, mark+" "+obj)
		y += 34
	}
	drawText(img, 50, 350, 2, colYellow, fmt.Sprintf("Hasil: %d/%d atribut", v.DetectedCount, v.RequiredCount))
	drawCentered(img, 430, 1, colLight, "Kembali ke mode tunggu...")
	return img
}

// DetectionScreen draws the live camera frame with boxes for required
// classes at or above threshold, the elapsed time, a per-class status list
// and a progress bar.
func DetectionScreen(view detect.FrameView, threshold float64) *image.RGBA {
	img := blank()
	if view.Frame != nil {
		b := view.Frame.Bounds()
		draw.Draw(img, image.Rect(0, 0, b.Dx(), b.Dy()), view.Frame, b.Min, draw.Src)
	}

	var required []string
	if view.Agg != nil {
		required = view.Agg.Required()
	}
	isRequired := make(map[string]bool, len(required))
	for _, c := range required {
		isRequired[c] = true
	}

	for _, s := range view.Samples {
		if !isRequired[s.Class] || s.Confidence < threshold {
			continue
		}
		c, ok := classColors[s.Class]
		if !ok {
			c = colOrange
		}
		r := s.Box.Rect()
		strokeRect(img, r, c, 2)
		drawText(img, r.Min.X, max(r.Min.Y-15, 0), 1, c, fmt.Sprintf("%s %.2f", s.Class, s.Confidence))
	}

	drawText(img, 10, 10, 2, colWhite, fmt.Sprintf("Waktu: %.1fs / %.0fs", view.Elapsed.Seconds(), view.Duration.Seconds()))
	y := 50
	for _, obj := range required {
		status, c := "BELUM", colRed
		if view.Agg.Seen(obj) {
			status, c = "TERDETEKSI", colGreen
		}
		drawText(img, 20, y, 1, c, obj+": "+status)
		y += 20
	}

	progress := 1.0
	if view.Duration > 0 {
		progress = min(float64(view.Elapsed)/float64(view.Duration), 1)
	}
	fillRect(img, image.Rect(10, 450, 630, 470), colGrey)
	fillRect(img, image.Rect(10, 450, 10+int(620*progress), 470), colOrange)
	return img
}

// fallbackText is shown when an outcome clip cannot be played.
var fallbackText = map[string][2]string{
	"all_attributes": {"SELAMAT!", "Semua atribut lengkap"},
	"violation":      {"ATRIBUT TIDAK LENGKAP", "Lengkapi semua atribut"},
	"already_tapped": {"SUDAH PRESENSI HARI INI", "Silakan kembali besok"},
	"no_card":        {"KARTU TIDAK TERBACA", "Silakan tempelkan ulang"},
	"restart":        {"MEMULAI ULANG", "Terjadi kesalahan sistem"},
}

// FallbackScreen stands in for the clip named kind, with a countdown.
func FallbackScreen(kind string, remaining time.Duration) *image.RGBA {
	img := blank()
	text, ok := fallbackText[kind]
	if !ok {
		text = [2]string{"SISTEM PRESENSI", kind}
	}
	col := colWhite
	switch kind {
	case "all_attributes":
		col = colGreen
	case "violation", "already_tapped", "no_card", "restart":
		col = colRed
	}
	drawCentered(img, 140, 3, col, text[0])
	drawCentered(img, 200, 2, colWhite, text[1])
	drawCentered(img, 340, 2, colYellow, fmt.Sprintf("Kembali dalam: %d detik", secondsLeft(remaining)))
	return img
}
