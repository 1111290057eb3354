package progress

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
)

// Connect dials NATS with the reconnect policy shared by every process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "connect nats %s", url)
	}
	return nc, nil
}

// NATSSink publishes each event on <prefix>.<session id>. Publishing is
// fire-and-forget: no acknowledgement is requested.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Subject(sessionID string) string {
	return s.prefix + "." + sanitizeToken(sessionID)
}

func (s *NATSSink) Publish(_ context.Context, sessionID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "marshal progress event")
	}
	if err := s.nc.Publish(s.Subject(sessionID), data); err != nil {
		return eris.Wrap(err, "publish progress event")
	}
	return nil
}

// sanitizeToken keeps session ids from adding subject levels or wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
