package scan

import (
	"context"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProbeStatus classifies the terminal result of one probe attempt.
type ProbeStatus uint8

const (
	StatusSuccess ProbeStatus = iota
	StatusRefused
	StatusTimeout
	StatusProtocolError
	StatusUnreachable
)

func (s ProbeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRefused:
		return "refused"
	case StatusTimeout:
		return "timeout"
	case StatusProtocolError:
		return "protocol-error"
	case StatusUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// ProbeOutcome is the tagged result of a single probe. Record is non-nil only
// for StatusSuccess.
type ProbeOutcome struct {
	Addr    Address
	Status  ProbeStatus
	Record  *ServerRecord
	Latency time.Duration
}

// ServerRecord holds the metadata extracted from a successful status
// handshake. Ownership passes from the probe to the orchestrator to the sink;
// it is never mutated after creation.
type ServerRecord struct {
	Addr          Address   `json:"address"`
	Version       string    `json:"version"`
	Protocol      int       `json:"protocol"`
	PlayersOnline int       `json:"players_online"`
	PlayersMax    int       `json:"players_max"`
	PlayerSample  []string  `json:"player_sample,omitempty"`
	MOTD          string    `json:"motd"`
	Icon          string    `json:"icon,omitempty"`
	WhitelistHint bool      `json:"whitelist_hint"`
	LatencyMS     float64   `json:"latency_ms"`
	FoundAt       time.Time `json:"found_at"`
}

// ProbeClient performs one connect-and-handshake attempt against an address.
// Failures are outcome values, never errors: a scan makes millions of
// definitionally-failing attempts and they must stay on the cheap path.
type ProbeClient interface {
	Probe(ctx context.Context, addr Address) ProbeOutcome
}

// StatusProber is the production ProbeClient: TCP connect, Minecraft
// handshake + status request, decode, classify.
type StatusProber struct {
	Timeout  time.Duration
	MaxFrame int32

	// Backoff applied when the local side runs out of descriptors or
	// ephemeral ports. Doubles up to BackoffCap; the attempt is retried in
	// place so the address is never silently skipped.
	Backoff    time.Duration
	BackoffCap time.Duration
}

func NewStatusProber(timeout time.Duration) *StatusProber {
	return &StatusProber{
		Timeout:    timeout,
		MaxFrame:   DefaultMaxFrame,
		Backoff:    500 * time.Millisecond,
		BackoffCap: 5 * time.Second,
	}
}

func (p *StatusProber) Probe(ctx context.Context, addr Address) ProbeOutcome {
	backoff := p.Backoff
	for {
		conn, err := p.dial(ctx, addr)
		if err == nil {
			return p.handshake(conn, addr)
		}
		if isResourceExhaustion(err) {
			// Local pressure, not a verdict on the target. Pause and retry.
			log.Warnf("local resource exhaustion dialing %s, backing off %s: %v", addr, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ProbeOutcome{Addr: addr, Status: StatusTimeout}
			}
			if backoff *= 2; backoff > p.BackoffCap {
				backoff = p.BackoffCap
			}
			continue
		}
		return ProbeOutcome{Addr: addr, Status: classifyDialError(err)}
	}
}

func (p *StatusProber) dial(ctx context.Context, addr Address) (net.Conn, error) {
	d := net.Dialer{Timeout: p.Timeout}
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return d.DialContext(dialCtx, "tcp", addr.String())
}

// handshake drives the framed status exchange on an open connection. The
// whole exchange shares one deadline; a peer that stalls mid-frame is a
// timeout, a peer that answers garbage is a protocol error.
func (p *StatusProber) handshake(conn net.Conn, addr Address) ProbeOutcome {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(p.Timeout))
	start := time.Now()

	host := addr.NetIP().String()
	if err := writeFrame(conn, 0x00, handshakePayload(host, addr.Port)); err != nil {
		return ProbeOutcome{Addr: addr, Status: classifyIOError(err)}
	}
	if err := writeFrame(conn, 0x00, nil); err != nil {
		return ProbeOutcome{Addr: addr, Status: classifyIOError(err)}
	}

	id, payload, err := readFrame(conn, p.MaxFrame)
	if err != nil {
		return ProbeOutcome{Addr: addr, Status: classifyIOError(err)}
	}
	latency := time.Since(start)
	if id != 0x00 {
		log.Debugf("%s replied with unexpected packet id %#x", addr, id)
		return ProbeOutcome{Addr: addr, Status: StatusProtocolError, Latency: latency}
	}
	status, err := parseStatus(payload)
	if err != nil {
		log.Debugf("%s sent unparseable status: %v", addr, err)
		return ProbeOutcome{Addr: addr, Status: StatusProtocolError, Latency: latency}
	}

	return ProbeOutcome{
		Addr:    addr,
		Status:  StatusSuccess,
		Latency: latency,
		Record:  newServerRecord(addr, status, latency),
	}
}

func newServerRecord(addr Address, status *statusResponse, latency time.Duration) *ServerRecord {
	motd := motdText(status.Description)
	rec := &ServerRecord{
		Addr:          addr,
		Version:       status.Version.Name,
		Protocol:      status.Version.Protocol,
		PlayersOnline: status.Players.Online,
		PlayersMax:    status.Players.Max,
		MOTD:          motd,
		Icon:          status.Favicon,
		WhitelistHint: whitelistHint(motd),
		LatencyMS:     float64(latency.Microseconds()) / 1000,
		FoundAt:       time.Now().UTC(),
	}
	for _, s := range status.Players.Sample {
		if s.Name != "" {
			rec.PlayerSample = append(rec.PlayerSample, s.Name)
		}
	}
	return rec
}

// whitelistHint flags descriptions that suggest the server is not open to
// the public.
func whitelistHint(motd string) bool {
	lower := strings.ToLower(motd)
	for _, hint := range []string{"whitelist", "private", "invite only", "application"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func classifyDialError(err error) ProbeStatus {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return StatusTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return StatusRefused
	case strings.Contains(msg, "unreachable"), strings.Contains(msg, "no route"):
		return StatusUnreachable
	}
	return StatusUnreachable
}

func classifyIOError(err error) ProbeStatus {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return StatusTimeout
	}
	// Reset, EOF mid-frame, oversized or garbled frames: the peer spoke,
	// just not this protocol.
	return StatusProtocolError
}

func isResourceExhaustion(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "cannot assign requested address")
}
