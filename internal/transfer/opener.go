package transfer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/forest6511/mediaq/pkg/errors"
)

// Stream is an open response body with the metadata the chunk loop needs.
type Stream struct {
	Body        io.ReadCloser
	Length      int64 // -1 when the server declares no length
	ContentType string
}

// Opener starts a transfer for one URL scheme. Cancelling ctx must unblock both the
// open call and reads from the returned body.
type Opener interface {
	Open(ctx context.Context, rawURL string) (*Stream, error)
}

// HTTPOpener issues GET requests.
type HTTPOpener struct {
	Client    *http.Client
	UserAgent string
}

// Open implements Opener. Non-2xx responses are returned as terminal HTTP errors.
func (o *HTTPOpener) Open(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeTransferFailed, "invalid request", rawURL)
	}
	if o.UserAgent != "" {
		req.Header.Set("User-Agent", o.UserAgent)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.FromHTTPStatus(resp.StatusCode, rawURL)
	}

	return &Stream{
		Body:        resp.Body,
		Length:      resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// FTPOpener retrieves files over FTP. Credentials come from the URL's userinfo and
// default to anonymous.
type FTPOpener struct {
	DialTimeout time.Duration
}

// Open implements Opener.
func (o *FTPOpener) Open(ctx context.Context, rawURL string) (*Stream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeTransferFailed, "invalid FTP URL", rawURL)
	}

	port := u.Port()
	if port == "" {
		port = "21"
	}
	server := net.JoinHostPort(u.Hostname(), port)

	username, password := "anonymous", "anonymous"
	if u.User != nil {
		username = u.User.Username()
		if pwd, set := u.User.Password(); set {
			password = pwd
		}
	}

	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	conn, err := ftp.Dial(server, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server %s: %w", server, err)
	}

	// The control connection does not observe ctx after dialing.
	stop := context.AfterFunc(ctx, func() { _ = conn.Quit() })

	if err := conn.Login(username, password); err != nil {
		stop()
		_ = conn.Quit()
		return nil, errors.Wrap(err, errors.CodeTransferFailed, "FTP login failed", rawURL)
	}

	length, err := conn.FileSize(u.Path)
	if err != nil {
		length = -1
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		stop()
		_ = conn.Quit()
		return nil, fmt.Errorf("failed to retrieve %s: %w", u.Path, err)
	}

	return &Stream{
		Body:        &ftpBody{resp: resp, conn: conn, stop: stop},
		Length:      length,
		ContentType: mime.TypeByExtension(path.Ext(u.Path)),
	}, nil
}

type ftpBody struct {
	resp *ftp.Response
	conn *ftp.ServerConn
	stop func() bool
}

func (b *ftpBody) Read(p []byte) (int, error) {
	return b.resp.Read(p)
}

func (b *ftpBody) Close() error {
	b.stop()
	err := b.resp.Close()
	_ = b.conn.Quit()
	return err
}
