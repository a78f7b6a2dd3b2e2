package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// Upload copies src from the control machine to dst over SFTP. Directory sources
// follow rsync conventions: with a trailing slash their contents land in dst,
// without one they land in dst/<base>.
//
// When the config has a Become user, files are staged in /tmp and copied into
// place by that user.
func (c *SSHClient) Upload(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	result := &transports.TransferResult{StartedAt: time.Now()}

	info, err := os.Stat(src)
	if err != nil {
		return nil, &transports.TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local source: %w", err)}
	}

	sftpClient, err := c.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	target := uploadTarget(sftpClient, src, dst, info.IsDir())
	staged := target
	if c.config.Become != "" {
		staged = fmt.Sprintf("/tmp/shipyard-upload-%d", time.Now().UnixNano())
	}

	var n int64
	if info.IsDir() {
		n, err = uploadDirectory(ctx, sftpClient, src, staged)
	} else {
		n, err = uploadFile(ctx, sftpClient, src, staged, info.Mode().Perm())
	}
	if err != nil {
		return nil, &transports.TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if c.config.Become != "" {
		if err := c.installStaged(ctx, staged, target, info.IsDir()); err != nil {
			return nil, err
		}
	}

	result.BytesTransferred = n
	result.Duration = time.Since(result.StartedAt)
	log.Info().
		Str("host", c.config.Host).
		Str("local", src).
		Str("remote", target).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("upload completed")
	return result, nil
}

// Download copies src on the host to dst on the control machine over SFTP.
func (c *SSHClient) Download(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	result := &transports.TransferResult{StartedAt: time.Now()}

	sftpClient, err := c.createSFTPClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	info, err := sftpClient.Stat(src)
	if err != nil {
		return nil, &transports.TransportError{Op: "download", Err: fmt.Errorf("failed to stat remote source: %w", err)}
	}

	var n int64
	if info.IsDir() {
		if !strings.HasSuffix(src, "/") {
			dst = filepath.Join(dst, path.Base(src))
		}
		n, err = downloadDirectory(ctx, sftpClient, src, dst)
	} else {
		if st, statErr := os.Stat(dst); statErr == nil && st.IsDir() {
			dst = filepath.Join(dst, path.Base(src))
		}
		n, err = downloadFile(ctx, sftpClient, src, dst)
	}
	if err != nil {
		return nil, &transports.TransportError{Op: "download", Err: err, IsTemporary: true}
	}

	result.BytesTransferred = n
	result.Duration = time.Since(result.StartedAt)
	log.Info().
		Str("host", c.config.Host).
		Str("remote", src).
		Str("local", dst).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("download completed")
	return result, nil
}

// createSFTPClient opens an SFTP session on the shared connection.
func (c *SSHClient) createSFTPClient(ctx context.Context) (*sftp.Client, error) {
	sshClient, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// installStaged moves an upload staged in /tmp into place as the Become user.
func (c *SSHClient) installStaged(ctx context.Context, staged, target string, dir bool) error {
	q := transports.ShellQuote
	cmd := "mkdir -p " + q(path.Dir(target)) + " && cp " + q(staged) + " " + q(target)
	if dir {
		cmd = "mkdir -p " + q(target) + " && cp -R " + q(staged+"/.") + " " + q(target)
	}

	res, err := c.Exec(ctx, cmd, transports.ExecOptions{})
	if err == nil && res.ExitCode != 0 {
		err = &transports.TransportError{
			Op:     "upload",
			Err:    &transports.ExitError{Command: "cp", ExitCode: res.ExitCode},
			Output: strings.TrimSpace(res.Stderr),
		}
	}

	if _, rmErr := c.exec(ctx, "rm -rf "+q(staged), transports.ExecOptions{}, ""); rmErr != nil {
		log.Warn().Err(rmErr).Str("path", staged).Msg("failed to remove staged upload")
	}
	return err
}

func uploadTarget(client *sftp.Client, src, dst string, dir bool) string {
	if dir {
		if !strings.HasSuffix(src, "/") {
			return path.Join(dst, filepath.Base(src))
		}
		return dst
	}
	if st, err := client.Stat(dst); err == nil && st.IsDir() {
		return path.Join(dst, filepath.Base(src))
	}
	return dst
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, mode os.FileMode) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("failed to create remote directory: %w", err)
	}

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", localPath, err)
	}

	if mode > 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
		}
	}
	return n, nil
}

func downloadFile(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int64, error) {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	n, err := copyWithContext(ctx, localFile, remoteFile)
	if closeErr := localFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", remotePath, err)
	}
	return n, nil
}

func uploadDirectory(ctx context.Context, client *sftp.Client, localPath, remotePath string) (int64, error) {
	var total int64
	err := filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		n, err := uploadFile(ctx, client, p, target, info.Mode().Perm())
		total += n
		return err
	})
	return total, err
}

func downloadDirectory(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int64, error) {
	var total int64
	walker := client.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return total, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), strings.TrimSuffix(remotePath, "/")), "/")
		target := filepath.Join(localPath, filepath.FromSlash(rel))

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return total, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}
		n, err := downloadFile(ctx, client, walker.Path(), target)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
