package backup

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/imgbak/imgbak/internal/errkind"
	"github.com/imgbak/imgbak/internal/fingerprint"
	"github.com/imgbak/imgbak/internal/provider"
	"github.com/imgbak/imgbak/internal/scheduler"
)

// backupTask fetches the remote object and lands it on disk. The file is
// written next to its destination with a .part suffix and renamed only after
// the stream completed, so an interrupted attempt never leaves a truncated
// image behind.
func backupTask(p provider.Provider) scheduler.TaskFunc {
	return func(ctx context.Context, t scheduler.Task) (scheduler.Output, error) {
		rc, err := p.Fetch(ctx, t.Object)
		if err != nil {
			return scheduler.Output{}, err
		}
		defer func() {
			if cerr := rc.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("key", t.Object.Key).Msg("close fetch body failed")
			}
		}()

		fp, err := writeFileAtomic(t.LocalPath, rc)
		if err != nil {
			return scheduler.Output{}, wrapWriteErr(err, p.Name(), t.Object.Key)
		}
		return scheduler.Output{Fingerprint: fp}, nil
	}
}

// uploadTask fingerprints the local file first, then pushes it, so the
// manifest records what was actually sent.
func uploadTask(p provider.Provider) scheduler.TaskFunc {
	return func(ctx context.Context, t scheduler.Task) (scheduler.Output, error) {
		fp, err := fingerprint.File(t.LocalPath)
		if err != nil {
			return scheduler.Output{}, errkind.New(errkind.LocalIO, "fingerprint", err).
				WithProvider(p.Name()).WithKey(t.Object.Key)
		}
		obj, err := p.Push(ctx, t.LocalPath, t.Object.Key)
		if err != nil {
			return scheduler.Output{}, err
		}
		return scheduler.Output{Fingerprint: fp, Object: obj}, nil
	}
}

// writeFileAtomic streams r into dest via a .part temp file, fingerprinting
// the bytes on the way through. The temp file is removed on any failure.
func writeFileAtomic(dest string, r io.Reader) (fingerprint.Fingerprint, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fingerprint.Fingerprint{}, err
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}

	fp, err := fingerprint.Reader(io.TeeReader(r, out))
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fingerprint.Fingerprint{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fingerprint.Fingerprint{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fingerprint.Fingerprint{}, err
	}
	return fp, nil
}

// wrapWriteErr tells local disk trouble apart from a broken remote stream.
// TeeReader surfaces writer errors as read errors, so a *fs.PathError in the
// chain means the disk side failed.
func wrapWriteErr(err error, providerName, key string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return errkind.New(errkind.LocalIO, "write", err).WithProvider(providerName).WithKey(key)
	}
	return errkind.New(errkind.Transient, "fetch_stream", err).WithProvider(providerName).WithKey(key)
}
