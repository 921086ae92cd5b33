// Package gocvdnn provides a detect.Provider backed by an OpenCV DNN network
// loaded through gocv. It targets single-shot detectors (MobileNet-SSD and
// friends) whose output is an N×7 matrix of
// [image_id, class_id, confidence, x1, y1, x2, y2] rows with normalized
// coordinates.
//
// A gocv.Net is not safe for concurrent Forward calls, so the provider keeps
// a small pool of network replicas and hands one to each in-flight Detect.
package gocvdnn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"time"

	cv "gocv.io/x/gocv"

	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/types"
)

// Compile-time interface assertion.
var _ detect.Provider = (*Provider)(nil)

// ErrClosed is returned by Detect after Close.
var ErrClosed = errors.New("gocvdnn: provider closed")

const (
	defaultInputSize  = 300
	defaultScale      = 1.0 / 127.5
	defaultMean       = 127.5
	defaultConfidence = 0.5
)

// Option is a functional option for configuring the provider.
type Option func(*Provider)

// WithLabels sets the class-id → name table. Index i names class i.
func WithLabels(labels []string) Option {
	return func(p *Provider) { p.labels = labels }
}

// WithInputSize sets the square blob size fed to the network. Default 300.
func WithInputSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.inputSize = n
		}
	}
}

// WithScale sets the pixel scale factor applied before inference.
func WithScale(s float64) Option {
	return func(p *Provider) { p.scale = s }
}

// WithMean sets the per-channel mean subtracted before scaling.
func WithMean(m float64) Option {
	return func(p *Provider) { p.mean = m }
}

// WithConfidence sets the minimum score a row needs to be reported.
func WithConfidence(c float64) Option {
	return func(p *Provider) { p.confidence = c }
}

// WithReplicas sets how many network copies are loaded. Each replica serves
// one concurrent Detect. Default 1.
func WithReplicas(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.replicas = n
		}
	}
}

// Provider runs object detection with an OpenCV DNN model.
type Provider struct {
	nets       chan *cv.Net
	all        []*cv.Net
	done       chan struct{}
	labels     []string
	inputSize  int
	scale      float64
	mean       float64
	confidence float64
	replicas   int
}

// New loads the model at modelPath (with an optional configPath for
// frameworks that split weights and graph) once per replica.
func New(modelPath, configPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("gocvdnn: model path must not be empty")
	}
	p := &Provider{
		done:       make(chan struct{}),
		inputSize:  defaultInputSize,
		scale:      defaultScale,
		mean:       defaultMean,
		confidence: defaultConfidence,
		replicas:   1,
	}
	for _, o := range opts {
		o(p)
	}

	p.nets = make(chan *cv.Net, p.replicas)
	for i := range p.replicas {
		net := cv.ReadNet(modelPath, configPath)
		if net.Empty() {
			p.closeNets()
			return nil, fmt.Errorf("gocvdnn: load %q replica %d: empty network", modelPath, i)
		}
		if err := net.SetPreferableBackend(cv.NetBackendDefault); err != nil {
			net.Close()
			p.closeNets()
			return nil, fmt.Errorf("gocvdnn: set backend: %w", err)
		}
		if err := net.SetPreferableTarget(cv.NetTargetCPU); err != nil {
			net.Close()
			p.closeNets()
			return nil, fmt.Errorf("gocvdnn: set target: %w", err)
		}
		p.all = append(p.all, &net)
		p.nets <- &net
	}
	return p, nil
}

// LoadLabels reads one class name per line from path. Blank lines keep their
// index so ids stay aligned with the model.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gocvdnn: open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("gocvdnn: read labels: %w", err)
	}
	return labels, nil
}

// Detect implements detect.Provider.
func (p *Provider) Detect(ctx context.Context, f types.Frame) (types.DetectionResult, error) {
	var net *cv.Net
	select {
	case <-ctx.Done():
		return types.DetectionResult{}, ctx.Err()
	case <-p.done:
		return types.DetectionResult{}, ErrClosed
	case net = <-p.nets:
	}
	defer func() { p.nets <- net }()

	start := time.Now()

	mat, err := toMat(f)
	if err != nil {
		return types.DetectionResult{}, err
	}
	defer mat.Close()

	blob := cv.BlobFromImage(mat, p.scale, image.Pt(p.inputSize, p.inputSize),
		cv.NewScalar(p.mean, p.mean, p.mean, 0), true, false)
	defer blob.Close()

	net.SetInput(blob, "")
	out := net.Forward("")
	defer out.Close()

	rows := out.Total() / 7
	if rows == 0 {
		return p.result(f, nil, start), nil
	}
	flat := out.Reshape(1, rows)
	defer flat.Close()

	var ds []types.Detection
	for i := range flat.Rows() {
		conf := float64(flat.GetFloatAt(i, 2))
		if conf < p.confidence {
			continue
		}
		ds = append(ds, types.Detection{
			Label:      p.label(int(flat.GetFloatAt(i, 1))),
			Confidence: conf,
			Box: types.BoundingBox{
				X1: float64(flat.GetFloatAt(i, 3)),
				Y1: float64(flat.GetFloatAt(i, 4)),
				X2: float64(flat.GetFloatAt(i, 5)),
				Y2: float64(flat.GetFloatAt(i, 6)),
			}.Clamp(),
		})
	}
	return p.result(f, ds, start), nil
}

// Close releases every loaded network. In-flight Detect calls keep the
// replica they hold; the networks are freed regardless.
func (p *Provider) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	close(p.done)
	p.closeNets()
	return nil
}

func (p *Provider) closeNets() {
	for _, n := range p.all {
		n.Close()
	}
	p.all = nil
}

func (p *Provider) result(f types.Frame, ds []types.Detection, start time.Time) types.DetectionResult {
	now := time.Now()
	return types.DetectionResult{
		Epoch:      f.Epoch,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Detections: ds,
		DetectedAt: now,
		Latency:    now.Sub(start),
	}
}

func (p *Provider) label(id int) string {
	if id >= 0 && id < len(p.labels) && p.labels[id] != "" {
		return p.labels[id]
	}
	return "class_" + strconv.Itoa(id)
}

func toMat(f types.Frame) (cv.Mat, error) {
	switch f.Format {
	case types.PixelFormatBGR24:
		if len(f.Data) != f.Width*f.Height*3 {
			return cv.Mat{}, fmt.Errorf("gocvdnn: frame %s: %d bytes for %dx%d bgr24", f.Key(), len(f.Data), f.Width, f.Height)
		}
		return cv.NewMatFromBytes(f.Height, f.Width, cv.MatTypeCV8UC3, f.Data)
	case types.PixelFormatJPEG:
		m, err := cv.IMDecode(f.Data, cv.IMReadColor)
		if err != nil {
			return cv.Mat{}, fmt.Errorf("gocvdnn: decode frame %s: %w", f.Key(), err)
		}
		if m.Empty() {
			m.Close()
			return cv.Mat{}, fmt.Errorf("gocvdnn: decode frame %s: empty image", f.Key())
		}
		return m, nil
	default:
		return cv.Mat{}, fmt.Errorf("gocvdnn: frame %s: unsupported format %q", f.Key(), f.Format)
	}
}
