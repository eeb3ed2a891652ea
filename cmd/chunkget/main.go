// chunkget downloads a file from a dirserve server in parallel byte ranges
// and checks the result, or hammers one file with concurrent clients.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/units"
	"github.com/fruitsalade/dirserve/pkg/client"
)

func main() {
	rawURL := flag.String("url", "", "File URL, e.g. http://localhost:8000/data/file.bin")
	output := flag.String("o", "", "Output file (default: base name of the URL path)")
	parts := flag.Int("parts", 4, "Number of byte ranges")
	concurrency := flag.Int("concurrency", 0, "Simultaneous range requests (0 = parts)")
	clients := flag.Int("clients", 0, "Load mode: N concurrent whole-file downloads, bodies discarded")
	timeout := flag.Duration("timeout", 0, "Overall timeout (0 = none)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *rawURL == "" && flag.NArg() == 1 {
		*rawURL = flag.Arg(0)
	}
	if *rawURL == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: "warn", Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	if *verbose {
		logging.SetLevel("debug")
	}

	u, err := url.Parse(*rawURL)
	if err != nil {
		fatalf("bad URL: %v", err)
	}
	filePath := u.Path
	u.Path, u.RawPath, u.RawQuery = "", "", ""

	c, err := client.New(client.Config{BaseURL: u.String()})
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if *clients > 0 {
		if err := runLoad(ctx, c, filePath, *clients); err != nil {
			fatalf("%v", err)
		}
		return
	}

	out := *output
	if out == "" {
		out = baseName(filePath)
	}
	if err := runDownload(ctx, c, filePath, out, client.DownloadOptions{
		Parts:       *parts,
		Concurrency: *concurrency,
	}); err != nil {
		fatalf("%v", err)
	}
}

func runDownload(ctx context.Context, c *client.Client, filePath, out string, opts client.DownloadOptions) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	n, err := c.Download(ctx, filePath, f, opts)
	if err != nil {
		os.Remove(out)
		return err
	}
	elapsed := time.Since(start)

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != n {
		return fmt.Errorf("%s is %d bytes, expected %d", out, info.Size(), n)
	}

	sum, err := checksum(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %d bytes in %s (%s/s)  sha256 %s\n",
		out, n, elapsed.Round(time.Millisecond), rate(n, elapsed), sum)
	return nil
}

func runLoad(ctx context.Context, c *client.Client, filePath string, n int) error {
	info, err := c.Stat(ctx, filePath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tBYTES\tTIME\tRATE\tSTATUS")

	var failed int
	var total int64
	start := time.Now()
	for res := range c.FetchConcurrent(ctx, filePath, n, nil) {
		status := "ok"
		switch {
		case res.Err != nil:
			status = res.Err.Error()
			failed++
		case res.Bytes != info.Size:
			status = fmt.Sprintf("short: expected %d", info.Size)
			failed++
		}
		total += res.Bytes
		fmt.Fprintf(w, "%d\t%d\t%s\t%s/s\t%s\n",
			res.Client, res.Bytes, res.Duration.Round(time.Millisecond), rate(res.Bytes, res.Duration), status)
	}
	w.Flush()

	elapsed := time.Since(start)
	fmt.Printf("\n%d clients, %d bytes in %s (%s/s aggregate)\n",
		n, total, elapsed.Round(time.Millisecond), rate(total, elapsed))
	if failed > 0 {
		return fmt.Errorf("%d of %d clients failed", failed, n)
	}
	return nil
}

func checksum(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func baseName(p string) string {
	name := path.Base(p)
	if name == "/" || name == "." {
		return "download"
	}
	return name
}

func rate(n int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return units.Bytes(int64(float64(n) / d.Seconds()))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "chunkget: "+format+"\n", args...)
	os.Exit(1)
}
