package feeder

import (
	"encoding/json"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/cenkalti/backoff/v4"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog/log"
)

// StompFeed subscribes to a telematics provider's STOMP topic and submits
// every position message onto the bulk report queue. The broker is a trusted
// collaborator: its messages already name the account reports belong to.
type StompFeed struct {
	Address  string
	Username string
	Password string
	Topic    string

	Queue rmq.Queue
}

type feedMessage struct {
	VehicleID string    `json:"vehicleId"`
	Account   string    `json:"account"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// Run consumes the feed until the process stops, reconnecting with
// exponential backoff when the broker connection drops.
func (f *StompFeed) Run() {
	for {
		retryBackoff := backoff.NewExponentialBackOff()

		var conn *stomp.Conn
		err := backoff.Retry(func() error {
			var dialErr error
			conn, dialErr = f.dial()
			if dialErr != nil {
				log.Warn().Err(dialErr).Str("address", f.Address).Msg("Failed to connect to feed broker, retrying")
			}

			return dialErr
		}, retryBackoff)
		if err != nil {
			log.Error().Err(err).Msg("Giving up on feed broker")
			return
		}

		f.consume(conn)

		conn.Disconnect()
	}
}

func (f *StompFeed) dial() (*stomp.Conn, error) {
	var stompOptions []func(*stomp.Conn) error = []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(f.Username, f.Password),
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}

	return stomp.Dial("tcp", f.Address, stompOptions...)
}

func (f *StompFeed) consume(conn *stomp.Conn) {
	sub, err := conn.Subscribe(f.Topic, stomp.AckAuto)
	if err != nil {
		log.Error().Str("topic", f.Topic).Err(err).Msg("Cannot subscribe to topic")
		return
	}

	log.Info().Str("topic", f.Topic).Msg("Consuming telematics feed")

	for msg := range sub.C {
		if msg.Err != nil {
			log.Warn().Err(msg.Err).Msg("Feed connection lost")
			return
		}

		var message feedMessage
		if err := json.Unmarshal(msg.Body, &message); err != nil {
			log.Error().Err(err).Msg("Cannot decode feed message")
			continue
		}

		queuedReport := ingest.QueuedReport{
			VehicleID: message.VehicleID,
			Principal: message.Account,
			Report: fleet.LocationReport{
				Latitude:  message.Latitude,
				Longitude: message.Longitude,
				Timestamp: message.Timestamp,
			},
		}

		if err := ingest.SubmitToQueue(f.Queue, queuedReport); err != nil {
			log.Error().Err(err).Str("vehicle", message.VehicleID).Msg("Failed to queue feed report")
		}
	}
}
