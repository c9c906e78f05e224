package elm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// idleDelay is how long the reader backs off after a read that returned
// nothing (serial ports return 0 bytes when their read timeout expires).
const idleDelay = 5 * time.Millisecond

var (
	whitespace  = regexp.MustCompile(`\s`)
	busInit     = regexp.MustCompile(`(BUS INIT)|(BUSINIT)|(\.)`)
	unsupported = regexp.MustCompile(`7F0[0-9A]1[12]`)
)

// Write sends a single request terminated by CR.
func Write(w io.Writer, request string) error {
	wire := strings.TrimSpace(request) + CR
	n, err := w.Write([]byte(wire))
	if err != nil {
		return &Error{Kind: KindTransport, Request: request, Err: fmt.Errorf("write: %w", err)}
	}
	if n != len(wire) {
		return &Error{Kind: KindTransport, Request: request, Err: fmt.Errorf("short write: %d of %d bytes", n, len(wire))}
	}
	return nil
}

// ReadResponse collects bytes until the adapter prompt. Bytes following the
// prompt in the same read are discarded. The context bounds the wait.
func ReadResponse(ctx context.Context, r io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 128)

	for {
		if err := ctx.Err(); err != nil {
			return sb.String(), fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == Prompt {
				return sb.String(), nil
			}
			sb.WriteByte(b)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sb.String(), fmt.Errorf("read: link closed: %w", err)
			}
			return sb.String(), fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(idleDelay):
			}
		}
	}
}

// Clean strips the progress marker, bus-init noise and all whitespace from
// a raw reply, leaving it upper-cased.
func Clean(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.ReplaceAll(s, RespSearching, "")
	s = whitespace.ReplaceAllString(s, "")
	return busInit.ReplaceAllString(s, "")
}

// Classify maps an adapter fault in a cleaned reply to its kind.
func Classify(cleaned string) (Kind, bool) {
	switch {
	case strings.Contains(cleaned, RespUnableToConnect):
		return KindUnableToConnect, true
	case strings.Contains(cleaned, RespUnknown):
		return KindResponse, true
	case strings.Contains(cleaned, RespNoData):
		return KindNoData, true
	case strings.Contains(cleaned, RespStopped):
		return KindStopped, true
	case strings.Contains(cleaned, RespError):
		return KindResponse, true
	case unsupported.MatchString(cleaned):
		return KindResponse, true
	}
	return 0, false
}

// Exchange performs one request/response round trip and returns the cleaned
// reply. Adapter faults and link failures are reported as *Error.
func Exchange(ctx context.Context, rw io.ReadWriter, request string) (string, error) {
	if err := Write(rw, request); err != nil {
		return "", err
	}
	raw, err := ReadResponse(ctx, rw)
	if err != nil {
		return "", &Error{Kind: KindTransport, Request: request, Raw: raw, Err: err}
	}
	cleaned := Clean(raw)
	if kind, ok := Classify(cleaned); ok {
		return cleaned, &Error{Kind: kind, Request: request, Raw: cleaned}
	}
	return cleaned, nil
}
