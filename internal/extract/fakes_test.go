package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fakeRunner stands in for poppler and tesseract.
type fakeRunner struct {
	mu sync.Mutex

	textLayer    string
	textLayerErr error

	pages     int
	rasterErr error

	tsv    map[string]string // page image base name -> tsv output
	ocrErr map[string]error

	block bool // wait for ctx cancellation on every call

	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	switch name {
	case "pdftotext":
		if f.textLayerErr != nil {
			return nil, f.textLayerErr
		}
		return []byte(f.textLayer), nil
	case "pdftoppm":
		if f.rasterErr != nil {
			return nil, f.rasterErr
		}
		prefix := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			path := fmt.Sprintf("%s-%02d.png", prefix, i)
			if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case "tesseract":
		img := filepath.Base(args[0])
		if err := f.ocrErr[img]; err != nil {
			return nil, err
		}
		return []byte(f.tsv[img]), nil
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func (f *fakeRunner) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

const tsvHeader = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n"

// tsvPage renders words on a single line with the same confidence.
func tsvPage(conf float64, words ...string) string {
	var b strings.Builder
	b.WriteString(tsvHeader)
	b.WriteString("1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n")
	for i, w := range words {
		fmt.Fprintf(&b, "5\t1\t1\t1\t1\t%d\t0\t0\t10\t10\t%.2f\t%s\n", i+1, conf, w)
	}
	return b.String()
}

// trackingEngine wraps a real engine and records Close calls.
type trackingEngine struct {
	OCREngine
	closed *int
}

func (t trackingEngine) Close() error {
	*t.closed++
	return t.OCREngine.Close()
}

func trackingFactory(inner EngineFactory, closed *int) EngineFactory {
	return func(ctx context.Context) (OCREngine, error) {
		eng, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		return trackingEngine{OCREngine: eng, closed: closed}, nil
	}
}
