// Package publish delivers synced workbooks to an SFTP drop so downstream
// consumers read from the server instead of the sync host.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/datamill/datamill/pkg/telemetry"
)

// tempSuffix marks an upload in progress; the file is renamed into place
// once fully written.
const tempSuffix = ".part"

// Publisher uploads workbook files to a remote SFTP directory.
type Publisher struct {
	cfg     Config
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewPublisher validates the configuration and returns a publisher. Nil
// logger and metrics fall back to inert implementations.
func NewPublisher(cfg Config, log *telemetry.Logger, metrics *telemetry.Metrics) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publish config: %w", err)
	}
	if log == nil {
		log = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Publisher{
		cfg:     cfg,
		log:     log.NewComponentLogger("publish"),
		metrics: metrics,
	}, nil
}

// Publish connects to the server, ensures the remote directory exists, and
// uploads every file. Each file lands under a temporary name and is renamed
// into place once complete, so a consumer never sees a partial workbook.
// Per-file failures are logged and recorded; every file is attempted and the
// first failure is returned.
func (p *Publisher) Publish(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	clientCfg, err := p.cfg.clientConfig()
	if err != nil {
		return err
	}

	conn, err := dial(ctx, p.cfg.Address(), clientCfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to start sftp session: %w", err)
	}
	defer client.Close()

	if p.cfg.RemoteDir != "" {
		if err := client.MkdirAll(p.cfg.RemoteDir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", p.cfg.RemoteDir, err)
		}
	}

	var firstErr error
	uploaded := 0
	for _, local := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.upload(ctx, client, local); err != nil {
			p.log.WithResource(local).WithError(err).Error("failed to publish workbook")
			p.metrics.RecordPublishUpload("error")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.metrics.RecordPublishUpload("ok")
		uploaded++
	}

	p.log.WithFields(map[string]interface{}{
		"uploaded": uploaded,
		"failed":   len(paths) - uploaded,
	}).Info("publish finished")
	return firstErr
}

// upload copies one file to the remote directory under a temporary name and
// renames it into place.
func (p *Publisher) upload(ctx context.Context, client *sftp.Client, localPath string) error {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	remotePath := path.Join(p.cfg.RemoteDir, filepath.Base(localPath))
	tempPath := remotePath + tempSuffix

	remote, err := client.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tempPath, err)
	}

	written, err := copyWithContext(ctx, remote, local)
	if err != nil {
		remote.Close()
		_ = client.Remove(tempPath)
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := remote.Close(); err != nil {
		_ = client.Remove(tempPath)
		return fmt.Errorf("failed to close %s: %w", tempPath, err)
	}

	// Renaming onto an existing target fails on most servers.
	_ = client.Remove(remotePath)
	if err := client.Rename(tempPath, remotePath); err != nil {
		_ = client.Remove(tempPath)
		return fmt.Errorf("failed to move %s into place: %w", tempPath, err)
	}

	p.log.WithFields(map[string]interface{}{
		"local":    localPath,
		"remote":   remotePath,
		"bytes":    written,
		"size":     info.Size(),
		"duration": time.Since(start).String(),
	}).Info("workbook published")
	return nil
}

// dial connects with the configured timeout while honoring ctx. An
// abandoned dial finishes in the background and is closed.
func dial(ctx context.Context, address string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, cfg)
		ch <- result{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, r.err)
		}
		return r.client, nil
	}
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
