package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusClockRate = 48000

// opusSilence is a 20 ms opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type sampleSource interface {
	NextSample() (pionmedia.Sample, error)
	Close() error
}

type openFunc func() (sampleSource, error)

type silenceSource struct{}

func (silenceSource) NextSample() (pionmedia.Sample, error) {
	return pionmedia.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}, nil
}

func (silenceSource) Close() error { return nil }

// oggSource reads opus pages from an Ogg file. Page durations come from the
// granule position delta.
type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", path, err)
	}
	return &oggSource{file: file, reader: reader}, nil
}

func (s *oggSource) NextSample() (pionmedia.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	count := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	duration := time.Duration(float64(count) / opusClockRate * float64(time.Second))
	return pionmedia.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error { return s.file.Close() }

// ivfSource reads VP8/VP9 frames from an IVF file at the file's timebase.
type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	header   *ivfreader.IVFFileHeader
	interval time.Duration
}

func openIVF(path string) (*ivfSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read ivf header %s: %w", path, err)
	}
	interval := time.Second / 30
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return &ivfSource{file: file, reader: reader, header: header, interval: interval}, nil
}

func (s *ivfSource) NextSample() (pionmedia.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }

func isOgg(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".ogg" || ext == ".opus"
}

func isIVF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".ivf")
}
