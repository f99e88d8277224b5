// Package compress shrinks screenshots that exceed the webhook upload limit.
//
// Oversized images are flattened onto white, fitted within a resolution tier
// and re-encoded as PNG next to the source in a uniquely named
// <stem>.<random>.compressed.png file. Any failure falls back to the original
// file.
package compress

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ArtifactMarker appears in the name of every file this package writes.
const ArtifactMarker = ".compressed."

// DefaultThreshold is the webhook attachment limit (10 MiB).
const DefaultThreshold int64 = 10 * 1024 * 1024

// Size is a bounding box in pixels.
type Size struct {
	Width  int
	Height int
}

var (
	// Tier4K is tried first.
	Tier4K = Size{Width: 3840, Height: 2160}
	// Tier1440p is used when the 4K encode is still over the threshold.
	Tier1440p = Size{Width: 2560, Height: 1440}
)

// Result describes the file to upload after Process.
type Result struct {
	Path         string
	Name         string // attachment name, without the artifact's random segment
	OriginalSize int64
	FinalSize    int64
	Compressed   bool
}

// Ratio is FinalSize/OriginalSize, or 1 when nothing was compressed.
func (r Result) Ratio() float64 {
	if !r.Compressed || r.OriginalSize == 0 {
		return 1
	}
	return float64(r.FinalSize) / float64(r.OriginalSize)
}

// Opts configures a Compressor.
type Opts struct {
	Threshold int64  // bytes; files strictly larger are compressed
	Tiers     []Size // bounding boxes tried in order; defaults to 4K then 1440p
}

// Compressor applies the size policy. It holds no mutable state and is safe
// for concurrent use.
type Compressor struct {
	threshold int64
	tiers     []Size
}

// New creates a Compressor, applying defaults for zero values.
func New(opts Opts) *Compressor {
	c := &Compressor{threshold: opts.Threshold, tiers: opts.Tiers}
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}
	if len(c.tiers) == 0 {
		c.tiers = []Size{Tier4K, Tier1440p}
	}
	return c
}

// Threshold returns the configured byte threshold.
func (c *Compressor) Threshold() int64 { return c.threshold }

// NeedsCompression reports whether the file is strictly larger than the
// threshold.
func (c *Compressor) NeedsCompression(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("compress: stat %s: %w", path, err)
	}
	return info.Size() > c.threshold, nil
}

// Process compresses path when needed. It never fails: on any error the
// original file is returned with Compressed=false. A stat error leaves both
// sizes at zero.
func (c *Compressor) Process(path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("compress: stat %s: %v", path, err)
		return Result{Path: path, Name: filepath.Base(path)}
	}
	orig := Result{Path: path, Name: filepath.Base(path), OriginalSize: info.Size(), FinalSize: info.Size()}
	if info.Size() <= c.threshold {
		return orig
	}

	log.Printf("compress: %s is %d bytes, compressing", filepath.Base(path), info.Size())
	out, err := c.compress(path)
	if err != nil {
		log.Printf("compress: %s: %v, sending original", filepath.Base(path), err)
		return orig
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		log.Printf("compress: stat %s: %v, sending original", out, err)
		Cleanup(out)
		return orig
	}
	log.Printf("compress: %s %d -> %d bytes", filepath.Base(path), info.Size(), outInfo.Size())
	return Result{
		Path:         out,
		Name:         ArtifactName(path),
		OriginalSize: info.Size(),
		FinalSize:    outInfo.Size(),
		Compressed:   true,
	}
}

func (c *Compressor) compress(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	flat := flatten(src)
	var data []byte
	for i, tier := range c.tiers {
		data, err = encodePNG(fit(flat, tier))
		if err != nil {
			return "", err
		}
		if int64(len(data)) <= c.threshold {
			break
		}
		if i+1 < len(c.tiers) {
			log.Printf("compress: %s still %d bytes at %dx%d, trying %dx%d",
				filepath.Base(path), len(data), tier.Width, tier.Height,
				c.tiers[i+1].Width, c.tiers[i+1].Height)
		}
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	f, err = os.CreateTemp(filepath.Dir(path), stem+".*"+ArtifactMarker+"png")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	out := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(out)
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}

// flatten composites img over an opaque white background.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// fit scales img down to fit within box, keeping the aspect ratio. Images
// already inside the box are returned unchanged.
func fit(img *image.RGBA, box Size) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	nw, nh := FitWithin(w, h, box)
	if nw == w && nh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FitWithin returns the largest dimensions no bigger than box with the
// aspect ratio of w x h. It never upscales.
func FitWithin(w, h int, box Size) (int, int) {
	if w <= box.Width && h <= box.Height {
		return w, h
	}
	scale := math.Min(float64(box.Width)/float64(w), float64(box.Height)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	return max(nw, 1), max(nh, 1)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// ArtifactName is the attachment name used for the compressed copy of path.
// The file on disk carries an extra random segment so concurrent compressions
// of same-stem files never share it.
func ArtifactName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".compressed.png"
}

// IsArtifact reports whether name is a compressed copy written by this
// package. The watcher uses it to ignore its own output.
func IsArtifact(name string) bool {
	return strings.Contains(filepath.Base(name), ArtifactMarker)
}

// Cleanup removes path when it is a compression artifact. Originals are
// never touched.
func Cleanup(path string) {
	if path == "" || !IsArtifact(path) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("compress: cleanup %s: %v", path, err)
	}
}
