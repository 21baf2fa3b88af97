package gateway

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/gemini"
	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
	"github.com/EntropyParadigm/pure-gopher/internal/router"
)

// State is a connection's lifecycle position. States only move forward.
type State int

const (
	StateConnected State = iota
	StateRequestRead
	StateRouted
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRequestRead:
		return "request_read"
	case StateRouted:
		return "routed"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// session is the per-connection state. It is owned by one goroutine.
type session struct {
	id       string
	ep       Endpoint
	conn     net.Conn
	source   string
	protocol string
	path     string
	started  time.Time
	state    State
	outcome  Outcome
	logger   *log.Logger
}

func (s *session) transition(next State) {
	if next <= s.state {
		return
	}
	s.logger.Debug("state", "from", s.state, "to", next)
	s.state = next
}

// readRequest reads one request line in the endpoint's wire format. On
// failure it returns the framed error response to send, or nil when the
// client is gone and nothing should be written.
func readRequest(r io.Reader, ep Endpoint) (*router.Request, []byte, error) {
	if ep.Protocol == router.ProtocolGemini {
		gr, err := gemini.ReadRequest(r)
		if err != nil {
			if clientGone(err) {
				return nil, nil, err
			}
			return nil, gemini.Header(gemini.StatusBadRequest, "Bad request"), err
		}
		return &router.Request{
			Protocol: router.ProtocolGemini,
			Path:     gr.Path,
			Query:    gr.Query,
			Host:     ep.Host,
			Port:     ep.Port,
			Onion:    ep.Onion,
		}, nil, nil
	}

	selector, err := gopher.ReadRequest(r)
	if err != nil {
		if clientGone(err) {
			return nil, nil, err
		}
		return nil, gopher.ErrorResponse("Bad request", ep.Host, ep.Port), err
	}
	return &router.Request{
		Protocol: router.ProtocolGopher,
		Path:     selector,
		Host:     ep.Host,
		Port:     ep.Port,
		Onion:    ep.Onion,
	}, nil, nil
}

func clientGone(err error) bool {
	return errors.Is(err, gopher.ErrEmptyRequest) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// rejection frames an admission rejection.
func rejection(ep Endpoint, d admission.Decision) []byte {
	if ep.Protocol == router.ProtocolGemini {
		if d.Reason == admission.ReasonRateLimited {
			return gemini.SlowDown(int(math.Ceil(d.RetryAfter.Seconds())))
		}
		return gemini.Header(gemini.StatusPermanentFailure, "Access denied")
	}
	text := "Access denied"
	if d.Reason == admission.ReasonRateLimited {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		text = fmt.Sprintf("Rate limit exceeded, retry in %d seconds", max(secs, 1))
	}
	return gopher.ErrorResponse(text, ep.Host, ep.Port)
}

func busyResponse(ep Endpoint) []byte {
	if ep.Protocol == router.ProtocolGemini {
		return gemini.SlowDown(1)
	}
	return gopher.ErrorResponse("Server busy, try again shortly", ep.Host, ep.Port)
}

func notFoundResponse(ep Endpoint) []byte {
	if ep.Protocol == router.ProtocolGemini {
		return gemini.Header(gemini.StatusNotFound, "Not found")
	}
	return gopher.ErrorResponse("Not found", ep.Host, ep.Port)
}
