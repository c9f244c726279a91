package uftp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
)

// session is a minimal FTP control-connection client: just enough of
// RFC 959 to do anonymous login and RETR/STOR/RANG against a UFTPD
// endpoint. The surface TSI needs (USER/PASS/TYPE, PASV for the data
// connection, RANG, RETR/STOR; no PORT) is a handful of commands —
// net/textproto supplies the line-oriented request/response plumbing, so
// hand-rolling the rest is the smaller option than adopting a whole
// general-purpose FTP client library for seven verbs.
type session struct {
	conn *textproto.Conn
	raw  net.Conn
}

func dial(host string, port int) (*session, error) {
	raw, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("uftp: dial %s:%d: %w", host, port, err)
	}
	return &session{conn: textproto.NewConn(raw), raw: raw}, nil
}

func (s *session) close() { s.conn.Close() }

// expect reads one response line and returns its numeric code and text,
// failing unless the reply's first digit matches wantFirstDigit (e.g.
// '2' for a 2xx success reply).
func (s *session) expect(wantFirstDigit byte) (int, string, error) {
	code, msg, err := s.conn.ReadResponse(0)
	if err != nil {
		return 0, "", err
	}
	if byte('0'+code/100) != wantFirstDigit {
		return code, msg, fmt.Errorf("uftp: unexpected reply %d %s", code, msg)
	}
	return code, msg, nil
}

func (s *session) cmd(format string, args ...any) error {
	_, err := s.conn.Cmd(format, args...)
	return err
}

func (s *session) login(secret string) error {
	if _, _, err := s.expect('2'); err != nil { // welcome banner
		return err
	}
	if err := s.cmd("USER anonymous"); err != nil {
		return err
	}
	if _, _, err := s.expect('3'); err != nil {
		return err
	}
	if err := s.cmd("PASS %s", secret); err != nil {
		return err
	}
	_, _, err := s.expect('2')
	return err
}

// dataConn opens a passive-mode data connection via PASV.
func (s *session) dataConn() (net.Conn, error) {
	if err := s.cmd("PASV"); err != nil {
		return nil, err
	}
	_, msg, err := s.expect('2')
	if err != nil {
		return nil, err
	}
	addr, err := parsePASV(msg)
	if err != nil {
		return nil, err
	}
	return net.Dial("tcp", addr)
}

// parsePASV extracts "h1,h2,h3,h4,p1,p2" from a 227 PASV reply.
func parsePASV(msg string) (string, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.IndexByte(msg, ')')
	if start < 0 || end < 0 || end <= start {
		return "", fmt.Errorf("uftp: malformed PASV reply %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("uftp: malformed PASV reply %q", msg)
	}
	host := strings.Join(parts[0:4], ".")
	var p1, p2 int
	if _, err := fmt.Sscanf(parts[4], "%d", &p1); err != nil {
		return "", err
	}
	if _, err := fmt.Sscanf(parts[5], "%d", &p2); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, p1*256+p2), nil
}

// Transfer performs the GET/RETR or PUT/STOR named by req.Operation,
// issuing RANG first when an explicit byte range was requested.
func Transfer(req Request) error {
	s, err := dial(req.Host, req.Port)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.login(req.Secret); err != nil {
		return fmt.Errorf("uftp: login: %w", err)
	}
	if err := s.cmd("TYPE I"); err != nil {
		return err
	}
	if _, _, err := s.expect('2'); err != nil {
		return err
	}

	ranged := req.Length >= 0
	if ranged {
		if err := s.cmd("RANG %d %d", req.Offset, req.Length); err != nil {
			return err
		}
		if _, _, err := s.expect('3'); err != nil {
			return err
		}
	}

	switch req.Operation {
	case OperationGet:
		return s.retrieve(req)
	case OperationPut:
		return s.store(req)
	default:
		return fmt.Errorf("uftp: unknown operation %q", req.Operation)
	}
}

func (s *session) retrieve(req Request) error {
	data, err := s.dataConn()
	if err != nil {
		return err
	}
	defer data.Close()

	if err := s.cmd("RETR %s", req.RemoteFile); err != nil {
		return err
	}
	if _, _, err := s.expect('1'); err != nil {
		return err
	}

	f, err := openForPartialWrite(req.LocalFile, req.WriteMode, req.Offset)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return fmt.Errorf("uftp: writing %s: %w", req.LocalFile, err)
	}
	_, _, err = s.expect('2')
	return err
}

func (s *session) store(req Request) error {
	offset := int64(0)
	if req.WriteMode == WriteModePartial {
		offset = req.Offset
	}
	f, err := os.Open(req.LocalFile)
	if err != nil {
		return err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("uftp: seeking %s: %w", req.LocalFile, err)
		}
	}

	data, err := s.dataConn()
	if err != nil {
		return err
	}
	defer data.Close()

	if err := s.cmd("STOR %s", req.RemoteFile); err != nil {
		return err
	}
	if _, _, err := s.expect('1'); err != nil {
		return err
	}

	if _, err := io.Copy(data, f); err != nil {
		return fmt.Errorf("uftp: sending %s: %w", req.LocalFile, err)
	}
	data.Close()
	_, _, err = s.expect('2')
	return err
}

// openForPartialWrite opens the local GET destination: WriteModePartial
// opens an existing file "r+b"-style and seeks to offset, so only the
// requested range is overwritten in place; otherwise the file is
// truncated and written from the start.
func openForPartialWrite(path string, mode WriteMode, offset int64) (*os.File, error) {
	if mode == WriteModePartial {
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("uftp: open %s for partial write: %w", path, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("uftp: seeking %s: %w", path, err)
		}
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("uftp: open %s: %w", path, err)
	}
	return f, nil
}
