package engine

import (
	"errors"
	"strings"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// TransferOption tunes a single upload or download.
type TransferOption func(*transports.TransferOptions)

// WithTransferOptions passes extra flags to the transfer program.
func WithTransferOptions(options ...string) TransferOption {
	return func(o *transports.TransferOptions) {
		o.Options = append(o.Options, options...)
	}
}

// Upload copies src on the control machine to dst on the frame's host. Both paths
// are templates. A leading "~" in src is the control machine's home; in dst it is
// the host's home.
func (s *Scope) Upload(src, dst string, opts ...TransferOption) error {
	return s.transfer(true, src, dst, opts)
}

// Download copies src on the frame's host to dst on the control machine.
func (s *Scope) Download(src, dst string, opts ...TransferOption) error {
	return s.transfer(false, src, dst, opts)
}

func (s *Scope) transfer(upload bool, src, dst string, opts []TransferOption) error {
	frame, err := s.Current()
	if err != nil {
		return err
	}
	if src, err = s.Parse(src); err != nil {
		return err
	}
	if dst, err = s.Parse(dst); err != nil {
		return err
	}

	localPath, remotePath := &src, &dst
	if !upload {
		localPath, remotePath = &dst, &src
	}
	*localPath = transports.ExpandLocalHome(*localPath)
	if strings.HasPrefix(*remotePath, "~") {
		home, err := s.exec.home(s.Context(), frame.Host)
		if err != nil {
			return err
		}
		*remotePath = transports.ExpandHome(*remotePath, home)
	}

	o := transports.TransferOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if err := s.exec.transfer(s.Context(), frame.Host, upload, src, dst, o); err != nil {
		terr := &TransferError{
			Host:        frame.Host.Name,
			Source:      src,
			Destination: dst,
			Err:         err,
		}
		var transportErr *transports.TransportError
		if errors.As(err, &transportErr) {
			terr.Output = transportErr.Output
		}
		return terr
	}
	return nil
}
