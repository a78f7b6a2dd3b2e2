package ssh

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/shipyard/pkg/transports"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestSSHClientUploadFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	src := filepath.Join(t.TempDir(), "docker-compose.yml")
	writeFile(t, src, "services: {}\n")
	remote := t.TempDir()

	tests := []struct {
		name     string
		dst      string
		expected string
	}{
		{name: "explicit file", dst: filepath.Join(remote, "shared", "compose.yml"), expected: filepath.Join(remote, "shared", "compose.yml")},
		{name: "into existing directory", dst: remote, expected: filepath.Join(remote, "docker-compose.yml")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Upload(context.Background(), src, tt.dst, transports.TransferOptions{})
			if err != nil {
				t.Fatalf("failed to upload: %v", err)
			}
			if res.BytesTransferred != int64(len("services: {}\n")) {
				t.Errorf("expected %d bytes, got %d", len("services: {}\n"), res.BytesTransferred)
			}
			if got := readFile(t, tt.expected); got != "services: {}\n" {
				t.Errorf("unexpected content %q", got)
			}
		})
	}
}

func TestSSHClientUploadDirectory(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	build := filepath.Join(t.TempDir(), "build")
	writeFile(t, filepath.Join(build, "app.js"), "app")
	writeFile(t, filepath.Join(build, "css", "app.css"), "css")

	tests := []struct {
		name   string
		src    string
		prefix string
	}{
		{name: "contents", src: build + "/", prefix: ""},
		{name: "directory", src: build, prefix: "build"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := t.TempDir()
			res, err := client.Upload(context.Background(), tt.src, remote, transports.TransferOptions{})
			if err != nil {
				t.Fatalf("failed to upload: %v", err)
			}
			if res.BytesTransferred != 6 {
				t.Errorf("expected 6 bytes, got %d", res.BytesTransferred)
			}
			if got := readFile(t, filepath.Join(remote, tt.prefix, "css", "app.css")); got != "css" {
				t.Errorf("unexpected content %q", got)
			}
		})
	}
}

func TestSSHClientDownload(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	remote := t.TempDir()
	writeFile(t, filepath.Join(remote, "var", "log", "prod.log"), "log line\n")

	local := t.TempDir()
	if _, err := client.Download(context.Background(), filepath.Join(remote, "var"), local, transports.TransferOptions{}); err != nil {
		t.Fatalf("failed to download directory: %v", err)
	}
	if got := readFile(t, filepath.Join(local, "var", "log", "prod.log")); got != "log line\n" {
		t.Errorf("unexpected content %q", got)
	}

	file := filepath.Join(t.TempDir(), "prod.log")
	if _, err := client.Download(context.Background(), filepath.Join(remote, "var", "log", "prod.log"), file, transports.TransferOptions{}); err != nil {
		t.Fatalf("failed to download file: %v", err)
	}
	if got := readFile(t, file); got != "log line\n" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestSSHClientDownloadMissing(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	_, err := client.Download(context.Background(), "/nonexistent/shipyard", t.TempDir(), transports.TransferOptions{})
	if err == nil {
		t.Fatal("expected error for missing remote path")
	}
}
