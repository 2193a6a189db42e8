package sftpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

// RemoteFile describes a remote directory entry
type RemoteFile struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// ListOptions controls List behavior
type ListOptions struct {
	Pattern   string // glob, e.g. "*.edi"; empty matches everything
	Recursive bool
}

// UploadOptions controls Upload behavior
type UploadOptions struct {
	// Stage writes into TempDir under a hidden unique name and renames into
	// place, so the partner never observes a partial file. Requires a
	// configured TempDir.
	Stage bool
}

// withRetry runs op under the partner's retry policy: a fixed attempt
// budget with the delay growing by the backoff factor per attempt, capped
// at the maximum delay. The last error is returned after exhaustion.
func (p *Pool) withRetry(ctx context.Context, cfg *ConnectionConfig, opName string, op func(client *sftp.Client) error) error {
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}

	return retry.Do(
		func() error {
			client, err := p.getConnection(ctx, cfg)
			if err != nil {
				return err
			}
			return op(client)
		},
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			delay := time.Duration(float64(policy.BaseDelay) * math.Pow(policy.BackoffFactor, float64(n)))
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
			return delay
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("sftp operation retrying",
				"partner", cfg.PartnerID, "op", opName, "attempt", n+1, "error", err)
		}),
	)
}

// Upload writes data to remotePath on the partner's server
func (p *Pool) Upload(ctx context.Context, partnerID, remotePath string, data []byte, opts *UploadOptions) error {
	cfg, err := p.config(partnerID)
	if err != nil {
		return err
	}
	if opts == nil {
		opts = &UploadOptions{}
	}

	return p.withRetry(ctx, cfg, "upload", func(client *sftp.Client) error {
		target := remotePath

		if opts.Stage && cfg.TempDir != "" {
			name := path.Base(remotePath)
			staged := path.Join(cfg.TempDir, fmt.Sprintf(".%s.%s.tmp", name, uuid.New().String()))
			if err := writeRemote(client, staged, data); err != nil {
				return err
			}
			if err := client.PosixRename(staged, target); err != nil {
				client.Remove(staged)
				return fmt.Errorf("%w: renaming %s into place: %v", ErrRemoteIO, staged, err)
			}
			return nil
		}

		return writeRemote(client, target, data)
	})
}

func writeRemote(client *sftp.Client, remotePath string, data []byte) error {
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrRemoteIO, remotePath, err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrRemoteIO, remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrRemoteIO, remotePath, err)
	}
	return nil
}

// Download reads a remote file
func (p *Pool) Download(ctx context.Context, partnerID, remotePath string) ([]byte, error) {
	cfg, err := p.config(partnerID)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = p.withRetry(ctx, cfg, "download", func(client *sftp.Client) error {
		f, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", ErrRemoteIO, remotePath, err)
		}
		defer f.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, f); err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrRemoteIO, remotePath, err)
		}
		data = buf.Bytes()
		return nil
	})
	return data, err
}

// List returns entries under dir, filtered by the glob pattern in opts
func (p *Pool) List(ctx context.Context, partnerID, dir string, opts *ListOptions) ([]RemoteFile, error) {
	cfg, err := p.config(partnerID)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ListOptions{}
	}

	var matcher *regexp.Regexp
	if opts.Pattern != "" {
		matcher, err = globToRegexp(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
		}
	}

	var files []RemoteFile
	err = p.withRetry(ctx, cfg, "list", func(client *sftp.Client) error {
		files = files[:0]

		if opts.Recursive {
			walker := client.Walk(dir)
			for walker.Step() {
				if err := walker.Err(); err != nil {
					return fmt.Errorf("%w: walking %s: %v", ErrRemoteIO, dir, err)
				}
				info := walker.Stat()
				if info == nil || walker.Path() == dir {
					continue
				}
				appendMatch(&files, walker.Path(), info, matcher)
			}
			return nil
		}

		entries, err := client.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("%w: listing %s: %v", ErrRemoteIO, dir, err)
		}
		for _, info := range entries {
			appendMatch(&files, path.Join(dir, info.Name()), info, matcher)
		}
		return nil
	})
	return files, err
}

func appendMatch(files *[]RemoteFile, fullPath string, info os.FileInfo, matcher *regexp.Regexp) {
	if matcher != nil && !info.IsDir() && !matcher.MatchString(info.Name()) {
		return
	}
	*files = append(*files, RemoteFile{
		Name:    info.Name(),
		Path:    fullPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	})
}

// Delete removes a remote file
func (p *Pool) Delete(ctx context.Context, partnerID, remotePath string) error {
	cfg, err := p.config(partnerID)
	if err != nil {
		return err
	}

	return p.withRetry(ctx, cfg, "delete", func(client *sftp.Client) error {
		if err := client.Remove(remotePath); err != nil {
			return fmt.Errorf("%w: removing %s: %v", ErrRemoteIO, remotePath, err)
		}
		return nil
	})
}

// Move renames a remote file. Without overwrite, an existing destination
// fails with ErrDestinationExists.
func (p *Pool) Move(ctx context.Context, partnerID, fromPath, toPath string, overwrite bool) error {
	cfg, err := p.config(partnerID)
	if err != nil {
		return err
	}

	return p.withRetry(ctx, cfg, "move", func(client *sftp.Client) error {
		if !overwrite {
			if _, err := client.Stat(toPath); err == nil {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrDestinationExists, toPath))
			}
		}
		if err := client.PosixRename(fromPath, toPath); err != nil {
			return fmt.Errorf("%w: moving %s to %s: %v", ErrRemoteIO, fromPath, toPath, err)
		}
		return nil
	})
}

// TestConnection dials the partner and probes the remote root. The pool is
// bypassed so the probe exercises a full connect + auth round trip.
func (p *Pool) TestConnection(ctx context.Context, partnerID string) error {
	cfg, err := p.config(partnerID)
	if err != nil {
		return err
	}

	client, transport, err := p.dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()
	defer client.Close()

	if _, err := client.ReadDir("."); err != nil {
		return fmt.Errorf("%w: probing remote root: %v", ErrRemoteIO, err)
	}
	return nil
}

// globToRegexp converts a shell glob (*, ?, character classes pass through)
// into an anchored regular expression matched against file names
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			b.WriteString(`\`)
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
