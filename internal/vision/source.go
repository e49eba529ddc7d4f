package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/kbinani/screenshot"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gocv.io/x/gocv"
)

// Source provides raw board images. The returned Mat belongs to the caller.
type Source interface {
	Read() (gocv.Mat, error)
	Close() error
}

// LoadImage reads an image file as a BGR Mat
func LoadImage(path string) (gocv.Mat, error) {
	if _, err := os.Stat(path); err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to open image: %w", err)
	}

	mat := gocv.IMRead(path, gocv.IMReadColor)
	if !mat.Empty() {
		return mat, nil
	}
	mat.Close()

	// OpenCV builds without a codec still get the Go decoders
	f, err := os.Open(path)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return DecodeImage(f)
}

// DecodeImage decodes png, jpeg, gif, bmp, tiff or webp data into a BGR Mat
func DecodeImage(r io.Reader) (gocv.Mat, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return gocv.NewMat(), errors.New("empty image data")
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return imageToMat(img)
	}

	mat, decErr := gocv.IMDecode(data, gocv.IMReadColor)
	if decErr != nil || mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("failed to decode image: %w", err)
	}
	return mat, nil
}

// imageToMat converts an image.Image to an 8-bit BGR Mat
func imageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.NewMat(), errors.New("empty image")
	}

	data := make([]byte, 0, width*height*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data = append(data, uint8(b>>8), uint8(g>>8), uint8(r>>8))
		}
	}

	// NewMatFromBytes borrows data; clone so the Mat owns its pixels
	view, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image to mat: %w", err)
	}
	defer view.Close()
	mat := view.Clone()
	runtime.KeepAlive(data)
	return mat, nil
}

// FileSource reads the same image file on every call
type FileSource struct {
	Path string
}

func (s FileSource) Read() (gocv.Mat, error) {
	return LoadImage(s.Path)
}

func (s FileSource) Close() error {
	return nil
}

// ScreenSource captures a region of the screen, for boards shown by a
// desktop chess client
type ScreenSource struct {
	region image.Rectangle
	mu     sync.Mutex
}

// NewScreenSource creates a screen source for the given region. An empty
// region captures the primary display.
func NewScreenSource(region image.Rectangle) *ScreenSource {
	if region.Empty() && screenshot.NumActiveDisplays() > 0 {
		region = screenshot.GetDisplayBounds(0)
	}
	return &ScreenSource{region: region}
}

// Read captures the configured region
func (s *ScreenSource) Read() (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region.Empty() {
		return gocv.NewMat(), errors.New("no capture region")
	}

	img, err := screenshot.CaptureRect(s.region)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to capture screen: %w", err)
	}
	return imageToMat(img)
}

func (s *ScreenSource) Close() error {
	return nil
}

// VideoSource grabs still frames from a recorded video file
type VideoSource struct {
	video      *gocv.VideoCapture
	frameCount int
	mu         sync.Mutex
}

// NewVideoSource opens a video file
func NewVideoSource(path string) (*VideoSource, error) {
	video, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	if !video.IsOpened() {
		video.Close()
		return nil, fmt.Errorf("video file not opened: %s", path)
	}

	return &VideoSource{
		video:      video,
		frameCount: int(video.Get(gocv.VideoCaptureFrameCount)),
	}, nil
}

// FrameCount returns the number of frames reported by the container
func (vs *VideoSource) FrameCount() int {
	return vs.frameCount
}

// Seek positions the next Read at the given frame
func (vs *VideoSource) Seek(frame int) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.video == nil {
		return errors.New("video source closed")
	}
	if frame < 0 || (vs.frameCount > 0 && frame >= vs.frameCount) {
		return fmt.Errorf("frame %d out of range (0-%d)", frame, vs.frameCount-1)
	}
	vs.video.Set(gocv.VideoCapturePosFrames, float64(frame))
	return nil
}

// Read returns the next frame
func (vs *VideoSource) Read() (gocv.Mat, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	mat := gocv.NewMat()
	if vs.video == nil {
		return mat, errors.New("video source closed")
	}
	if !vs.video.Read(&mat) || mat.Empty() {
		mat.Close()
		return gocv.NewMat(), errors.New("failed to read frame or end of video")
	}
	return mat, nil
}

// Close releases video resources
func (vs *VideoSource) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.video != nil {
		err := vs.video.Close()
		vs.video = nil
		return err
	}
	return nil
}
