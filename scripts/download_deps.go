//go:build ignore

// download_deps.go is a standalone Go script (not part of any module) that
// downloads the cloudflared quick-tunnel binary for every platform the
// runner ships for into runner/internal/tunnel/bin/. Run it from the
// repository root:
//
//	go run ./scripts/download_deps.go
//
// Using a Go script instead of shell/cmd.exe commands guarantees identical
// behaviour on Linux, macOS, and Windows without any external tools beyond
// the Go toolchain itself.
//
// Adapted from the backup engine's restic/rclone downloader: same
// fetch-decompress-write shape, generalized from two release layouts
// (bzip2 single binary, zip archive) to cloudflared's two (bare binary and
// a macOS tgz).
//
// cloudflared release asset naming (amd64/arm64 only, matching
// tunnel.Extractor's supported platforms):
//   - Linux:   cloudflared-linux-<arch>        (bare binary, no archive)
//   - Windows: cloudflared-windows-<arch>.exe  (bare binary, no archive)
//   - macOS:   cloudflared-darwin-<arch>.tgz   (tar.gz containing "cloudflared")
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const (
	cloudflaredVersion = "2024.12.2"
	binDir             = "runner/internal/tunnel/bin"
)

var platforms = []struct {
	goos, goarch string
}{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "amd64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
	{"windows", "arm64"},
}

func main() {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		fatalf("create bin dir: %v", err)
	}

	for _, p := range platforms {
		if err := downloadCloudflared(p.goos, p.goarch); err != nil {
			fatalf("cloudflared %s/%s: %v", p.goos, p.goarch, err)
		}
	}
}

func downloadCloudflared(goos, goarch string) error {
	ext := ""
	if goos == "windows" {
		ext = ".exe"
	}
	out := filepath.Join(binDir, fmt.Sprintf("cloudflared_%s_%s%s", goos, goarch, ext))

	if fileExists(out) {
		fmt.Printf("cloudflared already present: %s\n", out)
		return nil
	}

	fmt.Printf("Downloading cloudflared %s for %s/%s...\n", cloudflaredVersion, goos, goarch)

	if goos == "darwin" {
		return downloadCloudflaredTgz(goos, goarch, out)
	}
	return downloadCloudflaredBare(goos, goarch, ext, out)
}

// downloadCloudflaredBare fetches Linux/Windows releases, which are
// published as the bare executable (no archive).
func downloadCloudflaredBare(goos, goarch, ext, out string) error {
	asset := fmt.Sprintf("cloudflared-%s-%s%s", goos, goarch, ext)
	url := fmt.Sprintf("https://github.com/cloudflare/cloudflared/releases/download/%s/%s", cloudflaredVersion, asset)

	data, err := fetch(url)
	if err != nil {
		return err
	}
	return writeExecutable(out, data)
}

// downloadCloudflaredTgz fetches macOS releases, published as a tar.gz
// archive containing a single "cloudflared" binary.
func downloadCloudflaredTgz(goos, goarch, out string) error {
	asset := fmt.Sprintf("cloudflared-%s-%s.tgz", goos, goarch)
	url := fmt.Sprintf("https://github.com/cloudflare/cloudflared/releases/download/%s/%s", cloudflaredVersion, asset)

	data, err := fetch(url)
	if err != nil {
		return err
	}

	extracted, err := extractFromTarGzByName(data, "cloudflared")
	if err != nil {
		return fmt.Errorf("extract from tgz: %w", err)
	}
	return writeExecutable(out, extracted)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// fetch downloads url and returns the raw bytes.
func fetch(url string) ([]byte, error) {
	resp, err := http.Get(url) //nolint:noctx
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// extractFromTarGzByName finds a file by base name inside a gzip-compressed
// tar archive and returns its contents.
func extractFromTarGzByName(data []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if filepath.Base(hdr.Name) == name {
			return io.ReadAll(tr)
		}
		names = append(names, hdr.Name)
	}

	return nil, fmt.Errorf("file %q not found in tgz; available: %v", name, names)
}

// writeExecutable writes data to path and sets the executable bit on Unix.
func writeExecutable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Written: %s\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
