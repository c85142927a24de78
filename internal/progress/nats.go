package progress

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "agentichq.progress"

// NATSConn is the part of *nats.Conn used for forwarding.
type NATSConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher forwards events as JSON to "<prefix>.<planID>" so observers in
// other processes can follow a plan.
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events of planID are published on.
func (p *NATSPublisher) Subject(planID string) string {
	return p.prefix + "." + planID
}

func (p *NATSPublisher) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("progress: encode event for plan %s: %v", evt.PlanID, err)
		return
	}
	// nats buffers publishes client side; this does not wait for the server.
	if err := p.conn.Publish(p.Subject(evt.PlanID), data); err != nil {
		log.Printf("progress: forward %s of plan %s: %v", evt.Kind, evt.PlanID, err)
	}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("agentichq"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("progress: nats disconnected: %v", err)
			}
		}),
	)
}
