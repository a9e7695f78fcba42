package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/svanichkin/fic"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/term"
)

func main() {
	var (
		configPath = flag.String("config", "", "settings file (.fcs, JSON)")
		quality    = flag.Int("q", -1, "quality 0–100, overrides the settings file")
		threads    = flag.Int("threads", -1, "worker count, 0 = all CPUs")
		iterations = flag.Int("iterations", 10, "decode iterations")
		dumpConfig = flag.Bool("dump-config", false, "print the effective settings and exit")
		verbose    = flag.Bool("v", false, "log every encoded part")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Encode: fic [flags] <input-image>...\nDecode: fic [flags] <input.fci>...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "settings error:", err)
		os.Exit(1)
	}
	if *quality >= 0 {
		cfg.Quality = *quality
	}
	if *threads >= 0 {
		cfg.MaxThreads = *threads
	}
	if *dumpConfig {
		if err := cfg.Save(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	enc, err := fic.NewEncoder(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "settings error:", err)
		os.Exit(1)
	}
	if *verbose {
		enc.Logger = log.New(os.Stderr, "fic: ", log.Ltime)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := newReport(os.Stdout)
	failed := false
	for _, inputPath := range flag.Args() {
		ext := strings.ToLower(filepath.Ext(inputPath))
		base := strings.TrimSuffix(inputPath, filepath.Ext(inputPath))

		// .fci → PNG
		if ext == ".fci" {
			if err := decodeFile(inputPath, base+".png", *iterations); err != nil {
				fmt.Fprintln(os.Stderr, "decode error:", inputPath+":", err)
				failed = true
				continue
			}
			fmt.Printf("Decoded %s → %s\n", inputPath, base+".png")
			continue
		}

		row, err := encodeFile(ctx, enc, inputPath, base+".fci", *iterations)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", inputPath+":", err)
			failed = true
			if ctx.Err() != nil {
				break
			}
			continue
		}
		out.add(row)
	}
	out.flush()
	if failed {
		os.Exit(1)
	}
}

func loadConfig(path string) (fic.Config, error) {
	if path == "" {
		return fic.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fic.Config{}, err
	}
	defer f.Close()
	return fic.LoadConfig(f)
}

type reportRow struct {
	name      string
	psnr      []float64
	rawSize   int
	fileSize  int
	pixels    int
	encodeDur time.Duration
	decodeDur time.Duration
}

func encodeFile(ctx context.Context, enc *fic.Encoder, inPath, outPath string, iterations int) (reportRow, error) {
	row := reportRow{name: filepath.Base(inPath)}
	in, err := os.Open(inPath)
	if err != nil {
		return row, err
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return row, err
	}
	b := img.Bounds()
	row.pixels = b.Dx() * b.Dy()

	ms, st, err := enc.Encode(ctx, img)
	if err != nil {
		return row, err
	}
	row.encodeDur = st.Elapsed

	var raw bytes.Buffer
	if _, err := ms.WriteTo(&raw); err != nil {
		return row, err
	}
	row.rawSize = raw.Len()

	var buf bytes.Buffer
	if err := fic.WriteContainer(&buf, ms); err != nil {
		return row, err
	}
	row.fileSize = buf.Len()
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return row, err
	}

	start := time.Now()
	dec, err := fic.Decode(ms, iterations)
	if err != nil {
		return row, err
	}
	row.decodeDur = time.Since(start)
	row.psnr, err = fic.PSNR(img, dec)
	return row, err
}

func decodeFile(inPath, outPath string, iterations int) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	ms, err := fic.ReadContainer(in)
	if err != nil {
		return err
	}
	dec, err := fic.Decode(ms, iterations)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if err := png.Encode(out, dec); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// report prints an aligned table on a terminal and tab separated values
// otherwise.
type report struct {
	w     io.Writer
	tw    *tabwriter.Writer
	rows  []reportRow
	table bool
}

func newReport(f *os.File) *report {
	r := &report{w: f, table: term.IsTerminal(int(f.Fd()))}
	if r.table {
		r.tw = tabwriter.NewWriter(f, 0, 0, 2, ' ', tabwriter.AlignRight)
		r.w = r.tw
	}
	return r
}

func (r *report) add(row reportRow) { r.rows = append(r.rows, row) }

func (r *report) flush() {
	if len(r.rows) == 0 {
		return
	}
	fmt.Fprintln(r.w, "file\tpsnr_r\tpsnr_g\tpsnr_b\tpsnr_gray\tbits/px\tratio\traw(B)\tfci(B)\tenc_ms\tdec_ms\t")
	var sum [4]float64
	for _, row := range r.rows {
		fmt.Fprintf(r.w, "%s\t", row.name)
		for c, p := range row.psnr {
			fmt.Fprintf(r.w, "%s\t", formatDB(p))
			sum[c] += min(p, 100)
		}
		fmt.Fprintf(r.w, "%.3f\t%.2f\t%d\t%d\t%.1f\t%.1f\t\n",
			8*float64(row.fileSize)/float64(row.pixels),
			float64(3*row.pixels)/float64(row.fileSize),
			row.rawSize, row.fileSize,
			float64(row.encodeDur.Microseconds())/1000,
			float64(row.decodeDur.Microseconds())/1000,
		)
	}
	if len(r.rows) > 1 {
		n := float64(len(r.rows))
		fmt.Fprintf(r.w, "mean\t%.2f\t%.2f\t%.2f\t%.2f\t\t\t\t\t\t\t\n", sum[0]/n, sum[1]/n, sum[2]/n, sum[3]/n)
	}
	if r.tw != nil {
		r.tw.Flush()
	}
}

func formatDB(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
