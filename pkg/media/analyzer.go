package media

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// analysisWindow is the number of s16le samples held for analysis.
// AnalyzerBins frequency bins are derived from it.
const (
	analysisWindow = 256
	AnalyzerBins   = analysisWindow / 2
)

// Analyzer computes live amplitude and frequency-band levels over a
// sliding window of PCM samples. Feed it from the capture stream or tap
// it onto any other PCM source; Level and Frequencies may be read
// concurrently from a UI or meter loop.
type Analyzer struct {
	mu      sync.Mutex
	window  [analysisWindow]float64
	pos     int
	filled  bool
	pending byte
	hasHalf bool
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Feed consumes little-endian s16 PCM bytes. Odd trailing bytes are held
// until the next call completes the sample.
func (a *Analyzer) Feed(p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := 0
	if a.hasHalf && len(p) > 0 {
		sample := int16(binary.LittleEndian.Uint16([]byte{a.pending, p[0]}))
		a.pushLocked(sample)
		a.hasHalf = false
		i = 1
	}
	for ; i+1 < len(p); i += 2 {
		a.pushLocked(int16(binary.LittleEndian.Uint16(p[i : i+2])))
	}
	if i < len(p) {
		a.pending = p[i]
		a.hasHalf = true
	}
}

func (a *Analyzer) pushLocked(sample int16) {
	a.window[a.pos] = float64(sample) / 32768.0
	a.pos++
	if a.pos == analysisWindow {
		a.pos = 0
		a.filled = true
	}
}

// Level returns the root-mean-square amplitude of the current window,
// in [0, 1].
func (a *Analyzer) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := analysisWindow
	if !a.filled {
		n = a.pos
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a.window[i] * a.window[i]
	}
	return math.Sqrt(sum / float64(n))
}

// Frequencies returns the magnitude of each of the AnalyzerBins frequency
// bins over the current window, normalized to [0, 1]. Bin k covers
// frequency k * sampleRate / analysisWindow.
func (a *Analyzer) Frequencies() []float64 {
	a.mu.Lock()
	var samples [analysisWindow]float64
	start := a.pos
	if !a.filled {
		start = 0
	}
	for i := 0; i < analysisWindow; i++ {
		samples[i] = a.window[(start+i)%analysisWindow]
	}
	a.mu.Unlock()

	bins := make([]float64, AnalyzerBins)
	for k := 0; k < AnalyzerBins; k++ {
		var re, im float64
		for n := 0; n < analysisWindow; n++ {
			angle := -2 * math.Pi * float64(k) * float64(n) / analysisWindow
			re += samples[n] * math.Cos(angle)
			im += samples[n] * math.Sin(angle)
		}
		bins[k] = 2 * math.Hypot(re, im) / analysisWindow
	}
	return bins
}

// Tap wraps a PCM reader so every byte read also feeds the analyzer.
// Used to meter playback audio without interfering with it.
func Tap(r io.Reader, a *Analyzer) io.Reader {
	return &tapReader{r: r, analyzer: a}
}

type tapReader struct {
	r        io.Reader
	analyzer *Analyzer
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.analyzer.Feed(p[:n])
	}
	return n, err
}
